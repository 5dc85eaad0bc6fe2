package db

import (
	"encoding/json"

	"gorm.io/gorm"

	"github.com/aq-calibration/calibration-engine/pkg/regression"
)

// TrainingRun records one publisher run for one channel.
type TrainingRun struct {
	gorm.Model

	Name     string `gorm:"index"`
	Channel  string `gorm:"index"`
	BestKind string

	Leaderboard     []regression.Score `gorm:"-"`
	LeaderboardJSON string             `gorm:"column:leaderboard_json"`

	CVR2        float64 `gorm:"column:cv_r2"`
	CVRMSE      float64 `gorm:"column:cv_rmse"`
	HoldoutR2   float64 `gorm:"column:holdout_r2"`
	HoldoutRMSE float64 `gorm:"column:holdout_rmse"`
	HoldoutMAE  float64 `gorm:"column:holdout_mae"`

	RowsUsed    int
	RowsDropped int

	ArtifactSHA256 string `gorm:"column:artifact_sha256"`
	ObjectKey      string
	Uploaded       bool
}

func (r *TrainingRun) BeforeSave(tx *gorm.DB) error {
	data, err := json.Marshal(r.Leaderboard)
	if err != nil {
		return err
	}
	r.LeaderboardJSON = string(data)
	return nil
}

func (r *TrainingRun) AfterFind(tx *gorm.DB) error {
	if r.LeaderboardJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(r.LeaderboardJSON), &r.Leaderboard)
}
