package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Status     string    `gorm:"not null;index"`
	Origin     string    `gorm:"not null;default:'http'"`
	ClientID   string    `gorm:"index"`
	JobID      string
	Language   string
	Framework  string
	Image      string
	Mode       string
	Success    bool            `gorm:"not null;default:false"`
	ExitCode   int             `gorm:"not null;default:0"`
	Stdout     string          `gorm:"type:text"`
	Stderr     string          `gorm:"type:text"`
	Error      string          `gorm:"type:text"`
	DurationMs int64           `gorm:"not null;default:0"`
	TestCases  []TestCaseModel `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time       `gorm:"not null;index"`
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// TestCaseModel maps to the "execution_test_cases" table.
type TestCaseModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Position    int       `gorm:"not null"`
	Name        string    `gorm:"not null"`
	Status      string    `gorm:"not null"`
	DurationMs  int64     `gorm:"not null;default:0"`
	Description string    `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
}

func (TestCaseModel) TableName() string { return "execution_test_cases" }

// Models lists every table in FK-dependency order.
func Models() []any {
	return []any{
		&ExecutionModel{},
		&TestCaseModel{},
	}
}
