// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rapidaai/voicebridge/config"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists conversations, transcripts, and patient lookups.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	EndConversation(ctx context.Context, callID, status string) error
	AppendTranscript(ctx context.Context, callID, role, text string) error
	GetConversation(ctx context.Context, callID string) (*Conversation, error)
	FindPatientByPhone(ctx context.Context, phone string) (*Patient, error)
}

// NewStore picks the backend from configuration: a database-backed store when
// a host is configured, an in-memory store otherwise (development, tests).
func NewStore(logger commons.Logger, cfg config.PostgresConfig) (Store, error) {
	if cfg.Host == "" {
		logger.Infow("no database configured, using in-memory record store")
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(logger, cfg)
}

// ----------------------------------------------------------------------------
// postgres
// ----------------------------------------------------------------------------

type postgresStore struct {
	logger commons.Logger
	db     *gorm.DB
}

// NewPostgresStore connects to the configured database and migrates the
// record schema.
func NewPostgresStore(logger commons.Logger, cfg config.PostgresConfig) (Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, sslMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect record store: %w", err)
	}
	if err := db.AutoMigrate(&Patient{}, &Conversation{}, &TranscriptEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate record store: %w", err)
	}

	logger.Infow("record store connected", "host", cfg.Host, "database", cfg.DBName)
	return &postgresStore{logger: logger, db: db}, nil
}

func (s *postgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	return s.db.WithContext(ctx).Create(conv).Error
}

func (s *postgresStore) EndConversation(ctx context.Context, callID, status string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("call_id = ?", callID).
		Updates(map[string]interface{}{"status": status, "ended_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) AppendTranscript(ctx context.Context, callID, role, text string) error {
	var conv Conversation
	err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&TranscriptEntry{
		ConversationID: conv.ID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now(),
	}).Error
}

func (s *postgresStore) GetConversation(ctx context.Context, callID string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Preload("Transcripts").
		Where("call_id = ?", callID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *postgresStore) FindPatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	var p Patient
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ----------------------------------------------------------------------------
// in-memory
// ----------------------------------------------------------------------------

type memoryStore struct {
	mu            sync.RWMutex
	nextID        uint64
	conversations map[string]*Conversation
	patients      map[string]*Patient // keyed by phone
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *memoryStore {
	return &memoryStore{
		nextID:        1,
		conversations: make(map[string]*Conversation),
		patients:      make(map[string]*Patient),
	}
}

// AddPatient seeds a patient record. Used by tests and development setups.
func (s *memoryStore) AddPatient(p *Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	}
	s.patients[p.Phone] = p
}

func (s *memoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.CallID]; ok {
		return fmt.Errorf("conversation for call %s already exists", conv.CallID)
	}
	conv.ID = s.nextID
	s.nextID++
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	s.conversations[conv.CallID] = conv
	return nil
}

func (s *memoryStore) EndConversation(_ context.Context, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[callID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	conv.Status = status
	conv.EndedAt = &now
	return nil
}

func (s *memoryStore) AppendTranscript(_ context.Context, callID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[callID]
	if !ok {
		return ErrNotFound
	}
	conv.Transcripts = append(conv.Transcripts, &TranscriptEntry{
		ID:             s.nextID,
		ConversationID: conv.ID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	s.nextID++
	return nil
}

func (s *memoryStore) GetConversation(_ context.Context, callID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[callID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	out.Transcripts = append([]*TranscriptEntry(nil), conv.Transcripts...)
	return &out, nil
}

func (s *memoryStore) FindPatientByPhone(_ context.Context, phone string) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[phone]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}
