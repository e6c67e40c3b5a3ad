package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Пулы серверов
const (
	PoolFree = "FREE"
	PoolStar = "STAR"
)

type InvoiceType string

const (
	InvoiceVIPCoin InvoiceType = "vip_coin"
	InvoiceStar    InvoiceType = "star"
)

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

// Каналы выдачи аккаунта
const (
	ChannelFree    = "free"
	ChannelVIP     = "vip"
	ChannelStar    = "star"
	ChannelConvert = "convert"
)

// User: пользователь бота, ID = telegram id
type User struct {
	ID                     int64 `gorm:"primaryKey;autoIncrement:false"`
	FirstName              string
	Username               string
	Language               string    `gorm:"not null;default:ms"`
	JoinedAt               time.Time `gorm:"not null"`
	IsBlocked              bool      `gorm:"not null"`
	IsSubscribed           bool      `gorm:"not null"`
	SubscribedAt           *time.Time
	AgreementAccepted      bool `gorm:"not null"`
	AgreementAcceptedAt    *time.Time
	Credits                int `gorm:"not null;default:0"`
	VIPCoins               int `gorm:"column:vip_coins;not null;default:0"`
	Points                 int `gorm:"not null;default:0"`
	LastCheckinDate        string `gorm:"not null;default:''"` // YYYY-MM-DD (UTC)
	ReferralsCount         int    `gorm:"not null;default:0"`
	ReferralCreditsAwarded int    `gorm:"not null;default:0"`
	ReferredBy             *int64
	TotalSpent             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	StarActiveUntil        *time.Time
	StarRemindedAt         *time.Time
	UnpaidInvoices         int `gorm:"not null;default:0"` // strikes
}

// StarActive: активна ли подписка STAR в момент now
func (u *User) StarActive(now time.Time) bool {
	return u.StarActiveUntil != nil && u.StarActiveUntil.After(now)
}

// Server: агент в пуле. Порядок регистрации (ID) задаёт порядок выбора.
type Server struct {
	ID               uint   `gorm:"primaryKey"`
	Pool             string `gorm:"not null;index"`
	Name             string `gorm:"not null;uniqueIndex"`
	BaseURL          string `gorm:"not null"`
	APIKey           string `gorm:"not null" json:"-"`
	MaxUsers         int    `gorm:"not null;default:100"`
	Enabled          bool   `gorm:"not null"`
	LastNotifiedFull bool   `gorm:"not null"`
}

type Invoice struct {
	ID          uint            `gorm:"primaryKey"`
	UserID      int64           `gorm:"not null;index"`
	Type        InvoiceType     `gorm:"type:text;not null"`
	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Qty         int             `gorm:"not null"`
	BillCode    string          `gorm:"not null;index"`
	BillURL     string          `gorm:"not null"`
	ExternalRef string
	Status      InvoiceStatus `gorm:"type:text;not null;index"`
	CreatedAt   time.Time     `gorm:"not null"`
	ExpiresAt   time.Time     `gorm:"not null;index"`
	PaidAt      *time.Time
}

// Claim: запись о выдаче, только добавляется
type Claim struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       int64  `gorm:"not null;index"`
	Protocol     string `gorm:"not null"`
	Days         int    `gorm:"not null"`
	Channel      string `gorm:"not null;index"`
	ServerID     *uint
	CostCredits  int `gorm:"not null;default:0"`
	CostVIPCoins int `gorm:"column:cost_vip_coins;not null;default:0"`
	Result       datatypes.JSON
	CreatedAt    time.Time `gorm:"not null;index"`
}

type Referral struct {
	ID         uint      `gorm:"primaryKey"`
	ReferrerID int64     `gorm:"not null;index"`
	ReferredID int64     `gorm:"not null;uniqueIndex"`
	Qualified  bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}
