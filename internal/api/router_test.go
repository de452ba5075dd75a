package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/middleware"
	"github.com/wfunc/slot-iocard/internal/models"
	"github.com/wfunc/slot-iocard/internal/repository"
	"github.com/wfunc/slot-iocard/internal/service"
	"github.com/wfunc/slot-iocard/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    errors.ErrorCode `json:"code"`
		Message string           `json:"message"`
	} `json:"error"`
}

// RouterTestSuite API路由测试套件
type RouterTestSuite struct {
	suite.Suite
	card    *hardware.Card
	cache   *hardware.StateCache
	journal *service.EventJournal
	router  *Router
	token   string
}

func (s *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.T().Cleanup(func() { sqlDB.Close() })
	s.Require().NoError(db.AutoMigrate(&models.EventLog{}))

	s.journal = service.NewEventJournal(repository.NewEventLogRepository(db), config.JournalConfig{
		BufferSize:    256,
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
	})
	s.journal.Start()

	proto := hardware.ProtocolV1
	s.card = hardware.NewCard(proto, hardware.NewSimulatedLinkFactory(proto),
		hardware.WithSendHook(s.journal.SendHook()))
	s.journal.Attach(s.card)
	s.cache = hardware.NewStateCache()
	s.cache.SetCard(s.card)

	jwtManager := utils.NewJWTManager("api-secret", "slot-iocard", time.Hour)
	s.token, err = jwtManager.GenerateToken("tester", utils.RoleOperator)
	s.Require().NoError(err)

	s.router = NewRouter(Dependencies{
		Card:       s.card,
		Cache:      s.cache,
		Journal:    s.journal,
		Auth:       middleware.NewAuthMiddleware(jwtManager),
		CardConfig: config.CardConfig{Port: "sim0"},
	}, zap.NewNop())
}

func (s *RouterTestSuite) TearDownTest() {
	s.card.Disconnect()
	s.cache.SetCard(nil)
	s.journal.Stop()
}

func (s *RouterTestSuite) do(method, path string, body interface{}, auth bool) (*httptest.ResponseRecorder, apiResponse) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)

	var resp apiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func (s *RouterTestSuite) connect() {
	w, resp := s.do(http.MethodPost, "/api/v1/card/connect", nil, true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Require().True(resp.Success)
}

func (s *RouterTestSuite) TestHealth() {
	w, _ := s.do(http.MethodGet, "/health", nil, false)
	s.Equal(http.StatusOK, w.Code)

	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal("healthy", body["status"])
	s.Equal(false, body["connected"])
	s.Equal("v1", body["protocol"])
}

func (s *RouterTestSuite) TestConnectRequiresToken() {
	w, _ := s.do(http.MethodPost, "/api/v1/card/connect", nil, false)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.False(s.card.IsConnected())

	s.connect()
	s.True(s.card.IsConnected())
	port, _ := s.card.Port()
	s.Equal("sim0", port)

	// 重复连接
	w, resp := s.do(http.MethodPost, "/api/v1/card/connect", ConnectRequest{Port: "sim1"}, true)
	s.Equal(http.StatusConflict, w.Code)
	s.Require().NotNil(resp.Error)
	s.Equal(errors.ErrAlreadyConnected, resp.Error.Code)

	w, resp = s.do(http.MethodPost, "/api/v1/card/disconnect", nil, true)
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"disconnected":true}`, string(resp.Data))
	s.False(s.card.IsConnected())
}

func (s *RouterTestSuite) TestState() {
	s.connect()

	s.Eventually(func() bool { return s.cache.Identity() != nil }, time.Second, 5*time.Millisecond)

	w, resp := s.do(http.MethodGet, "/api/v1/card/state", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)

	var state StateResponse
	s.Require().NoError(json.Unmarshal(resp.Data, &state))
	s.True(state.Connected)
	s.Equal("sim0", state.Port)
	s.Equal(115200, state.BaudRate)
	s.Require().NotNil(state.State.Identity)
	s.Equal("Spark", state.State.Identity.Manufacturer)
}

func (s *RouterTestSuite) TestCommands() {
	// 未连接
	w, resp := s.do(http.MethodPost, "/api/v1/card/commands", service.CommandRequest{Command: "GET_INFO"}, true)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal(errors.ErrNotConnected, resp.Error.Code)

	s.connect()

	w, resp = s.do(http.MethodPost, "/api/v1/card/commands", service.CommandRequest{
		Command: "EJECT_COIN",
		Params:  map[string]interface{}{"track": 0xC0, "count": 2},
	}, true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var result service.CommandResult
	s.Require().NoError(json.Unmarshal(resp.Data, &result))
	s.True(result.Sent)
	s.Equal("EJECT_COIN", result.Command)

	s.Eventually(func() bool { return s.cache.GetCoinCounter(0xC0) == 2 }, time.Second, 5*time.Millisecond)

	w, resp = s.do(http.MethodPost, "/api/v1/card/commands", service.CommandRequest{
		Command: "EJECT_COIN",
		Params:  map[string]interface{}{"track": 0xC0},
	}, true)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal(errors.ErrMissingArgument, resp.Error.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/card/commands", map[string]string{}, true)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *RouterTestSuite) TestErrorsAndProcessed() {
	s.connect()

	w, resp := s.do(http.MethodPost, "/api/v1/card/errors/pop", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"found":false,"remaining":0}`, string(resp.Data))

	// 轨道 0x01 不是出币轨道
	s.True(s.card.EjectCoin(0x01, 1))
	s.Eventually(func() bool { return s.cache.ErrorCount() == 1 }, time.Second, 5*time.Millisecond)

	w, resp = s.do(http.MethodPost, "/api/v1/card/errors/pop", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var popped struct {
		Found     bool                   `json:"found"`
		Error     map[string]interface{} `json:"error"`
		Remaining int                    `json:"remaining"`
	}
	s.Require().NoError(json.Unmarshal(resp.Data, &popped))
	s.True(popped.Found)
	s.Equal("not_a_track", popped.Error["kind"])
	s.Equal(0, popped.Remaining)

	s.True(s.cache.IsChanged())
	w, resp = s.do(http.MethodPost, "/api/v1/card/processed", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"was_changed":true}`, string(resp.Data))
	s.False(s.cache.IsChanged())
}

func (s *RouterTestSuite) TestEvents() {
	s.connect()
	s.True(s.card.EjectCoin(0xC0, 1))

	s.Eventually(func() bool {
		_, resp := s.do(http.MethodGet, "/api/v1/events?name=coin_counter", nil, false)
		var page struct {
			Total int64 `json:"total"`
		}
		return json.Unmarshal(resp.Data, &page) == nil && page.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	w, resp := s.do(http.MethodGet, "/api/v1/events?direction=SEND&limit=50", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var page struct {
		Items []models.EventLog `json:"items"`
		Limit int               `json:"limit"`
	}
	s.Require().NoError(json.Unmarshal(resp.Data, &page))
	s.Equal(50, page.Limit)
	s.NotEmpty(page.Items)
	for _, item := range page.Items {
		s.Equal(models.DirectionSend, item.Direction)
	}

	w, resp = s.do(http.MethodGet, "/api/v1/events/stats", nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var stats models.EventLogStats
	s.Require().NoError(json.Unmarshal(resp.Data, &stats))
	s.Positive(stats.TotalSend)

	w, _ = s.do(http.MethodGet, "/api/v1/events?limit=abc", nil, false)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *RouterTestSuite) TestNotFound() {
	w, resp := s.do(http.MethodGet, "/api/v1/nothing", nil, false)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal(errors.ErrNotFound, resp.Error.Code)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}
