package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 内存账本，只实现 HTTP 层测试路径需要的语义
type memStore struct {
	mu        sync.Mutex
	users     map[string]*model.User
	transfers map[string]*model.Transfer
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*model.User),
		transfers: make(map[string]*model.Transfer),
	}
}

func (s *memStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.UserID]; ok {
		return repository.ErrUserExists
	}
	cp := *user
	s.users[user.UserID] = &cp
	return nil
}

func (s *memStore) ListRanking(_ context.Context, _ int) ([]*model.RankingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*model.RankingEntry
	for _, u := range s.users {
		entries = append(entries, &model.RankingEntry{UserID: u.UserID, Name: u.Name, Total: u.Total})
	}
	return entries, nil
}

func (s *memStore) CreateTransfer(_ context.Context, transfer *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *transfer
	s.transfers[transfer.TransferNo] = &cp
	return nil
}

func (s *memStore) GetTransferByRequestID(_ context.Context, requestID string) (*model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transfers {
		if t.RequestID == requestID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListTransfersByUser(_ context.Context, userID string, _, _ int) ([]*model.Transfer, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transfer
	for _, t := range s.transfers {
		if (t.SenderID == userID || t.RecipientID == userID) && t.Status == model.TransferStatusSettled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memStore) ListStaleTransfers(_ context.Context, _ string, _ time.Time, _ int) ([]*model.Transfer, error) {
	return nil, nil
}

func (s *memStore) MarkChainSubmitFailed(_ context.Context, transferNo string) error {
	return s.setStatus(transferNo, model.TransferStatusChainFailed)
}

func (s *memStore) ReopenChainFailed(_ context.Context, transferNo string) error {
	return s.setStatus(transferNo, model.TransferStatusChainPending)
}

func (s *memStore) MarkChainConfirmed(_ context.Context, transferNo, chainRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferNo]
	if !ok {
		return repository.ErrTransferNotFound
	}
	t.Status = model.TransferStatusSettling
	t.ChainRef = chainRef
	return nil
}

func (s *memStore) MarkNeedsReview(_ context.Context, transferNo string) error {
	return s.setStatus(transferNo, model.TransferStatusNeedsReview)
}

func (s *memStore) MarkSettlementFailed(_ context.Context, transferNo string) error {
	return s.setStatus(transferNo, model.TransferStatusSettlementFailed)
}

func (s *memStore) setStatus(transferNo, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferNo]
	if !ok {
		return repository.ErrTransferNotFound
	}
	t.Status = status
	return nil
}

func (s *memStore) SettleTransfer(_ context.Context, transferNo string) (*repository.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferNo]
	if !ok {
		return nil, repository.ErrTransferNotFound
	}
	if t.Status == model.TransferStatusSettled {
		return nil, repository.ErrAlreadySettled
	}
	sender := s.users[t.SenderID]
	if sender.Balance < t.Amount {
		return nil, repository.ErrBalanceNotEnough
	}
	sender.Balance -= t.Amount
	sender.Total += t.Amount
	s.users[t.RecipientID].Balance += t.Amount
	t.Status = model.TransferStatusSettled
	cp := *t
	return &repository.SettleResult{Transfer: &cp, NewSenderBalance: sender.Balance}, nil
}

type memChain struct{ calls int }

func (c *memChain) RecordTransfer(_ context.Context, _, _, _ string, _ int64) (string, error) {
	c.calls++
	return fmt.Sprintf("0xhash%04d", c.calls), nil
}

type memLocker struct{}

func (memLocker) Acquire(_ context.Context, _, _ string) (func(), error) {
	return func() {}, nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *memStore, *service.UserService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret", TokenTTLMinutes: 60},
		Business: config.BusinessConfig{
			InitialBalance: 10,
			RankingLimit:   10,
		},
	}

	userService := service.NewUserService(store, nil, cfg)
	transferService := service.NewTransferService(store, &memChain{}, memLocker{}, cfg)

	return SetupRouter(userService, transferService, cfg), store, userService
}

func doJSON(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterAndDuplicate(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/user/register",
		gin.H{"userId": "alice", "username": "Alice"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code string `json:"code"`
		Data struct {
			UserID  string `json:"userId"`
			Balance int64  `json:"balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Code)
	assert.Equal(t, "alice", resp.Data.UserID)
	assert.Equal(t, int64(10), resp.Data.Balance, "注册赠送初始余额")

	// 重复注册
	w = doJSON(r, http.MethodPost, "/api/v1/user/register",
		gin.H{"userId": "alice", "username": "Alice2"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// 缺字段
	w = doJSON(r, http.MethodPost, "/api/v1/user/register", gin.H{"userId": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserInfoNotFound(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodGet, "/api/v1/user/info?userId=ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/user/info", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferRequiresAuth(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	body := gin.H{"senderId": "alice", "recipientId": "bob", "amount": 3}

	w := doJSON(r, http.MethodPost, "/api/v1/transfer", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/transfer", body, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTransferEndToEnd(t *testing.T) {
	r, store, userService := setupTestRouter(t)

	for _, u := range []gin.H{
		{"userId": "alice", "username": "Alice"},
		{"userId": "bob", "username": "Bob"},
	} {
		w := doJSON(r, http.MethodPost, "/api/v1/user/register", u, "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	token, err := userService.IssueToken(context.Background(), "alice")
	require.NoError(t, err)

	// 令牌主体与发送方不一致
	w := doJSON(r, http.MethodPost, "/api/v1/transfer",
		gin.H{"senderId": "bob", "recipientId": "alice", "amount": 3}, token)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 正常转账
	w = doJSON(r, http.MethodPost, "/api/v1/transfer",
		gin.H{"senderId": "alice", "recipientId": "bob", "amount": 4}, token)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			TransferNo       string `json:"transferNo"`
			ChainRef         string `json:"transactionReference"`
			NewSenderBalance int64  `json:"newSenderBalance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.TransferNo)
	assert.NotEmpty(t, resp.Data.ChainRef)
	assert.Equal(t, int64(6), resp.Data.NewSenderBalance)

	// 余额不足
	w = doJSON(r, http.MethodPost, "/api/v1/transfer",
		gin.H{"senderId": "alice", "recipientId": "bob", "amount": 100}, token)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 自己转给自己
	w = doJSON(r, http.MethodPost, "/api/v1/transfer",
		gin.H{"senderId": "alice", "recipientId": "alice", "amount": 1}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 历史与排行榜
	w = doJSON(r, http.MethodGet, "/api/v1/transactions?userId=alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.Data.TransferNo)

	w = doJSON(r, http.MethodGet, "/api/v1/ranking", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(6), store.users["alice"].Balance)
	assert.Equal(t, int64(14), store.users["bob"].Balance)
}

func TestIssueTokenUnknownUser(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodPost, "/auth/token", gin.H{"userId": "ghost"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := doJSON(r, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
