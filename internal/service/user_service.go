package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/apperr"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-redis/redis/v8"
)

type UserService struct {
	store Store
	rdb   *redis.Client
	cfg   *config.Config
}

func NewUserService(store Store, rdb *redis.Client, cfg *config.Config) *UserService {
	return &UserService{
		store: store,
		rdb:   rdb,
		cfg:   cfg,
	}
}

// Register 注册用户，赠送初始余额
func (s *UserService) Register(ctx context.Context, userID, name string) (*model.User, error) {
	if userID == "" || name == "" {
		return nil, apperr.New(apperr.KindValidation, "userId 和 username 不能为空")
	}

	user := &model.User{
		UserID:  userID,
		Name:    name,
		Balance: s.cfg.Business.InitialBalance,
		Total:   0,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, apperr.New(apperr.KindConflict, "该用户ID已注册")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "用户注册失败", err)
	}

	log.Printf("[User] 注册成功: userID=%s, name=%s, balance=%d", userID, name, user.Balance)
	return user, nil
}

// GetUser 查询单个用户
func (s *UserService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "用户不存在")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "查询用户失败", err)
	}
	return user, nil
}

// UserInfo 用户主页数据：本人信息 + 排行榜
type UserInfo struct {
	User    *model.User           `json:"userInfo"`
	Ranking []*model.RankingEntry `json:"allUsers"`
}

// GetUserInfo 查询用户信息及排行榜（主页一次拉取）
func (s *UserService) GetUserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ranking, err := s.GetRanking(ctx, s.cfg.Business.RankingLimit)
	if err != nil {
		return nil, err
	}

	return &UserInfo{User: user, Ranking: ranking}, nil
}

// GetRanking 排行榜，短周期 Redis 缓存兜住热点读
func (s *UserService) GetRanking(ctx context.Context, limit int) ([]*model.RankingEntry, error) {
	if limit <= 0 {
		limit = s.cfg.Business.RankingLimit
	}

	cacheKey := rankingCacheKey(limit)
	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cacheKey).Result()
		if err == nil {
			var entries []*model.RankingEntry
			if json.Unmarshal([]byte(cached), &entries) == nil {
				return entries, nil
			}
		}
	}

	entries, err := s.store.ListRanking(ctx, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "查询排行榜失败", err)
	}

	if s.rdb != nil {
		if data, err := json.Marshal(entries); err == nil {
			ttl := time.Duration(s.cfg.Business.RankingCacheSeconds) * time.Second
			if setErr := s.rdb.Set(ctx, cacheKey, data, ttl).Err(); setErr != nil {
				log.Printf("[User] 写排行榜缓存失败: %v", setErr)
			}
		}
	}

	return entries, nil
}

func rankingCacheKey(limit int) string {
	return fmt.Sprintf("ranking:top:%d", limit)
}

// ListHistory 转账历史（该用户作为发送方或接收方）
func (s *UserService) ListHistory(ctx context.Context, userID string, page, pageSize int) ([]*model.Transfer, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	transfers, total, err := s.store.ListTransfersByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "查询转账历史失败", err)
	}
	return transfers, total, nil
}

// IssueToken 为已注册用户签发访问令牌
func (s *UserService) IssueToken(ctx context.Context, userID string) (string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return "", err
	}

	ttl := time.Duration(s.cfg.Auth.TokenTTLMinutes) * time.Minute
	claims := &jwt.StandardClaims{
		Subject:   userID,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Auth.JWTSecret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "签发令牌失败", err)
	}
	return signed, nil
}
