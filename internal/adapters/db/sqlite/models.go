package sqlite

import "time"

type ThreatModel struct {
	ID         string    `gorm:"primaryKey"`
	Lat        float64   `gorm:"not null"`
	Lng        float64   `gorm:"not null"`
	Category   string    `gorm:"not null;default:'unknown'"`
	Severity   string    `gorm:"not null;index"`
	ReportedAt time.Time `gorm:"not null;index"`
	ReporterID string
	Seq        uint64 `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

func (ThreatModel) TableName() string { return "threats" }

type RouteModel struct {
	ID                string  `gorm:"primaryKey"`
	PathJSON          string  `gorm:"not null"`
	TotalDistance     float64 `gorm:"not null"`
	SafetyScore       float64 `gorm:"not null"`
	TerrainProfile    string  `gorm:"not null;default:'urban'"`
	Status            string  `gorm:"not null;index;default:'active'"`
	SupersedesRouteID string  `gorm:"index"`
	RerouteReason     string
	Rerouted          bool `gorm:"not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (RouteModel) TableName() string { return "routes" }

type FeedbackModel struct {
	ID        uint   `gorm:"primaryKey"`
	RouteID   string `gorm:"not null;index"`
	Rating    int    `gorm:"not null"`
	Comments  string
	CreatedAt time.Time
}

func (FeedbackModel) TableName() string { return "feedback" }

type OperatorModel struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (OperatorModel) TableName() string { return "operators" }

type APITokenModel struct {
	ID         uint   `gorm:"primaryKey"`
	OperatorID uint   `gorm:"not null;index"`
	Name       string `gorm:"not null"`
	TokenHash  string `gorm:"not null;uniqueIndex"`
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

func (APITokenModel) TableName() string { return "api_tokens" }
