package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/plotter-bridge/internal/models"
	"gorm.io/gorm"
)

// ExchangeRepositoryTestSuite 往返记录仓库测试套件
type ExchangeRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo *ExchangeRepository
}

func (s *ExchangeRepositoryTestSuite) SetupSuite() {
	s.db = SetupTestDB()
	s.repo = NewExchangeRepository(s.db)
}

func (s *ExchangeRepositoryTestSuite) TearDownSuite() {
	CleanupTestDB(s.db)
}

func (s *ExchangeRepositoryTestSuite) SetupTest() {
	s.db.Exec("DELETE FROM exchanges")
}

func (s *ExchangeRepositoryTestSuite) seedBatch(batchID string, texts ...string) {
	exchanges := make([]*models.Exchange, len(texts))
	for i, text := range texts {
		exchanges[i] = &models.Exchange{
			Device:     "/dev/ttyACM0",
			BatchID:    batchID,
			Seq:        i,
			Command:    text,
			Response:   "OK",
			BytesCount: len(text) + 1,
			Duration:   int64(10 * (i + 1)),
			SessionID:  "session-1",
		}
	}
	require.NoError(s.T(), s.repo.CreateBatch(exchanges))
}

// insert 写入单条记录
func (s *ExchangeRepositoryTestSuite) insert(ex *models.Exchange) {
	require.NoError(s.T(), s.repo.CreateBatch([]*models.Exchange{ex}))
}

func (s *ExchangeRepositoryTestSuite) TestCreate() {
	ex := &models.Exchange{Device: "COM3", Command: "V", Response: "EBBv13_and_above"}
	s.insert(ex)

	assert.NotZero(s.T(), ex.ID)
	assert.Equal(s.T(), models.ExchangeLevelInfo, ex.Level)
	assert.NotZero(s.T(), ex.Timestamp)

	found, err := s.repo.GetByID(ex.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "EBBv13_and_above", found.Response)

	_, err = s.repo.GetByID(ex.ID + 1)
	assert.ErrorIs(s.T(), err, gorm.ErrRecordNotFound)
}

func (s *ExchangeRepositoryTestSuite) TestCreateErrorSetsLevel() {
	ex := &models.Exchange{Command: "SM,1000,0,0", ErrorMsg: "[3003] 串口超时"}
	s.insert(ex)
	assert.Equal(s.T(), models.ExchangeLevelError, ex.Level)
}

func (s *ExchangeRepositoryTestSuite) TestCreateBatchEmpty() {
	assert.NoError(s.T(), s.repo.CreateBatch(nil))
}

func (s *ExchangeRepositoryTestSuite) TestGetByBatchID() {
	s.seedBatch("b1", "SP,1", "SM,100,0,10", "SP,0")
	s.seedBatch("b2", "QB")

	exchanges, err := s.repo.GetByBatchID("b1")
	require.NoError(s.T(), err)
	require.Len(s.T(), exchanges, 3)
	for i, want := range []string{"SP,1", "SM,100,0,10", "SP,0"} {
		assert.Equal(s.T(), want, exchanges[i].Command)
		assert.Equal(s.T(), i, exchanges[i].Seq)
	}
}

func (s *ExchangeRepositoryTestSuite) TestQuery() {
	s.seedBatch("b1", "SP,1", "SM,100,0,10", "SM,200,10,0", "SP,0")
	s.insert(&models.Exchange{BatchID: "b2", Command: "SM,5,0,0", ErrorMsg: "timeout"})

	// 命令模糊匹配
	exchanges, total, err := s.repo.Query(&models.ExchangeQuery{Command: "SM,"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), total)
	assert.Len(s.T(), exchanges, 3)

	// 默认按ID倒序
	assert.Equal(s.T(), "SM,5,0,0", exchanges[0].Command)

	// 批次过滤与分页
	exchanges, total, err = s.repo.Query(&models.ExchangeQuery{BatchID: "b1", Limit: 2, Offset: 1, OrderBy: "seq ASC"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(4), total)
	require.Len(s.T(), exchanges, 2)
	assert.Equal(s.T(), "SM,100,0,10", exchanges[0].Command)

	// 错误过滤
	hasError := true
	exchanges, total, err = s.repo.Query(&models.ExchangeQuery{HasError: &hasError})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	assert.Equal(s.T(), "timeout", exchanges[0].ErrorMsg)

	noError := false
	_, total, err = s.repo.Query(&models.ExchangeQuery{HasError: &noError, BatchID: "b2"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), total)
}

func (s *ExchangeRepositoryTestSuite) TestQueryTimeRange() {
	old := &models.Exchange{Command: "SP,1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	s.insert(old)
	s.seedBatch("b1", "SP,0")

	start := time.Now().Add(-time.Hour)
	exchanges, total, err := s.repo.Query(&models.ExchangeQuery{StartTime: &start})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)
	assert.Equal(s.T(), "SP,0", exchanges[0].Command)
}

func (s *ExchangeRepositoryTestSuite) TestGetStats() {
	s.seedBatch("b1", "SP,1", "SP,0")
	s.seedBatch("b2", "QB")
	s.insert(&models.Exchange{Command: "X", ErrorMsg: "boom", Duration: 1000})

	stats, err := s.repo.GetStats(nil, nil)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(4), stats.TotalCount)
	assert.Equal(s.T(), int64(1), stats.TotalErrors)
	assert.Equal(s.T(), int64(2), stats.TotalBatches)
	assert.Equal(s.T(), int64(len("SP,1\r")+len("SP,0\r")+len("QB\r")), stats.TotalBytes)
	assert.Equal(s.T(), int64(1000), stats.MaxDuration)
	assert.Equal(s.T(), int64(10), stats.MinDuration)
}

func (s *ExchangeRepositoryTestSuite) TestGetStatsEmpty() {
	stats, err := s.repo.GetStats(nil, nil)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), stats.TotalCount)
	assert.Zero(s.T(), stats.AvgDuration)
}

func (s *ExchangeRepositoryTestSuite) TestGetLatest() {
	for i := 0; i < 5; i++ {
		s.seedBatch(fmt.Sprintf("b%d", i), fmt.Sprintf("SM,%d,0,0", i))
	}

	exchanges, err := s.repo.GetLatest(2, "")
	require.NoError(s.T(), err)
	require.Len(s.T(), exchanges, 2)
	assert.Equal(s.T(), "SM,4,0,0", exchanges[0].Command)
	assert.Equal(s.T(), "SM,3,0,0", exchanges[1].Command)

	exchanges, err = s.repo.GetLatest(10, "COM9")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), exchanges)
}

func (s *ExchangeRepositoryTestSuite) TestGetErrors() {
	s.seedBatch("b1", "SP,1")
	s.insert(&models.Exchange{Command: "SM,1,0,0", ErrorMsg: "timeout"})

	exchanges, err := s.repo.GetErrors(10)
	require.NoError(s.T(), err)
	require.Len(s.T(), exchanges, 1)
	assert.Equal(s.T(), "SM,1,0,0", exchanges[0].Command)
}

func (s *ExchangeRepositoryTestSuite) TestCleanupLogs() {
	s.insert(&models.Exchange{Command: "old", CreatedAt: time.Now().AddDate(0, 0, -10)})
	s.seedBatch("b1", "new")

	deleted, err := s.repo.CleanupLogs(7)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), deleted)

	_, total, err := s.repo.Query(&models.ExchangeQuery{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), total)

	_, err = s.repo.CleanupLogs(0)
	assert.Error(s.T(), err)
}

func TestExchangeRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(ExchangeRepositoryTestSuite))
}
