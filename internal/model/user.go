package model

import (
	"time"
)

// User 用户账本表
// 记录每个用户的可用余额和累计送出数量，是整个转账系统的核心数据
//
// 【重要】余额约束：
// 1. balance 任何时刻不允许为负 —— 扣减必须走条件更新
// 2. total 只增不减，每笔完成的转出恰好增加转账金额
// 3. 余额只允许转账协调器修改（注册时写入初始值除外）
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"userId"` // 用户ID，注册后不可变
	Name      string    `gorm:"type:varchar(64);not null" json:"name"`               // 显示名称
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                   // 可送出余额（整数枚）
	Total     int64     `gorm:"not null;default:0" json:"total"`                     // 累计送出数量
	Version   int       `gorm:"not null;default:0" json:"-"`                         // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

func (User) TableName() string {
	return "users"
}

// RankingEntry 排行榜投影（只读），按 total 降序
type RankingEntry struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Total  int64  `json:"total"`
}
