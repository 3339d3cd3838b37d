package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"chatroute/internal/model"
)

// BotRecord is the persisted shape of a bot definition; the node/edge graph
// is stored as JSON the way flow builders usually serialize it.
type BotRecord struct {
	ID               string    `gorm:"primaryKey"`
	Name             string
	Enabled          bool
	AcceptRule       string
	WorkingHoursJSON string
	NodesJSON        string
	EdgesJSON        string
	InitialBasesJSON string
	NoMatchMessage   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (BotRecord) TableName() string { return "bots" }

// SaveBot validates the graph before persisting; a cyclic or malformed graph
// is rejected and never reaches execution.
func (s *Store) SaveBot(ctx context.Context, def model.BotDefinition) error {
	if err := model.ValidateGraph(def); err != nil {
		return err
	}
	rec, err := encodeBot(def)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "save bot")
	}
	return nil
}

func (s *Store) GetBot(ctx context.Context, id string) (model.BotDefinition, error) {
	var rec BotRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.BotDefinition{}, notFoundOr(err, "get bot")
	}
	return decodeBot(rec)
}

func (s *Store) ListEnabledBots(ctx context.Context) ([]model.BotDefinition, error) {
	var recs []BotRecord
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id asc").Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list enabled bots")
	}
	defs := make([]model.BotDefinition, 0, len(recs))
	for _, rec := range recs {
		def, err := decodeBot(rec)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func encodeBot(def model.BotDefinition) (BotRecord, error) {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return BotRecord{}, errors.Wrap(err, "marshal bot nodes")
	}
	edges, err := json.Marshal(def.Edges)
	if err != nil {
		return BotRecord{}, errors.Wrap(err, "marshal bot edges")
	}
	bases, err := json.Marshal(def.InitialBaseIDs)
	if err != nil {
		return BotRecord{}, errors.Wrap(err, "marshal bot bases")
	}
	var hours []byte
	if def.WorkingHours != nil {
		hours, err = json.Marshal(def.WorkingHours)
		if err != nil {
			return BotRecord{}, errors.Wrap(err, "marshal bot working hours")
		}
	}
	return BotRecord{
		ID:               def.ID,
		Name:             def.Name,
		Enabled:          def.Enabled,
		AcceptRule:       string(def.AcceptRule),
		WorkingHoursJSON: string(hours),
		NodesJSON:        string(nodes),
		EdgesJSON:        string(edges),
		InitialBasesJSON: string(bases),
		NoMatchMessage:   def.NoMatchMessage,
	}, nil
}

func decodeBot(rec BotRecord) (model.BotDefinition, error) {
	def := model.BotDefinition{
		ID:             rec.ID,
		Name:           rec.Name,
		Enabled:        rec.Enabled,
		AcceptRule:     model.AcceptRule(rec.AcceptRule),
		NoMatchMessage: rec.NoMatchMessage,
	}
	if rec.NodesJSON != "" {
		if err := json.Unmarshal([]byte(rec.NodesJSON), &def.Nodes); err != nil {
			return model.BotDefinition{}, errors.Wrap(err, "unmarshal bot nodes")
		}
	}
	if rec.EdgesJSON != "" {
		if err := json.Unmarshal([]byte(rec.EdgesJSON), &def.Edges); err != nil {
			return model.BotDefinition{}, errors.Wrap(err, "unmarshal bot edges")
		}
	}
	if rec.InitialBasesJSON != "" {
		if err := json.Unmarshal([]byte(rec.InitialBasesJSON), &def.InitialBaseIDs); err != nil {
			return model.BotDefinition{}, errors.Wrap(err, "unmarshal bot bases")
		}
	}
	if rec.WorkingHoursJSON != "" {
		def.WorkingHours = &model.WorkingHours{}
		if err := json.Unmarshal([]byte(rec.WorkingHoursJSON), def.WorkingHours); err != nil {
			return model.BotDefinition{}, errors.Wrap(err, "unmarshal bot working hours")
		}
	}
	return def, nil
}
