// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_records

import "time"

// Conversation status values.
const (
	ConversationActive    = "ACTIVE"
	ConversationCompleted = "COMPLETED"
	ConversationFailed    = "FAILED"
)

// Call direction values.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Conversation is one call's persistent record.
type Conversation struct {
	ID           uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	CallID       string     `json:"callId" gorm:"type:string;size:100;uniqueIndex;not null"`
	PatientID    uint64     `json:"patientId" gorm:"type:bigint;index"`
	CallerNumber string     `json:"callerNumber" gorm:"type:string;size:50"`
	Direction    string     `json:"direction" gorm:"type:string;size:20;not null;default:INBOUND"`
	Status       string     `json:"status" gorm:"type:string;size:20;not null;default:ACTIVE"`
	StartedAt    time.Time  `json:"startedAt" gorm:"not null"`
	EndedAt      *time.Time `json:"endedAt"`

	Transcripts []*TranscriptEntry `json:"transcripts" gorm:"foreignKey:ConversationID"`
}

// TranscriptEntry is one finalized utterance of either party.
type TranscriptEntry struct {
	ID             uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	ConversationID uint64    `json:"conversationId" gorm:"type:bigint;index;not null"`
	Role           string    `json:"role" gorm:"type:string;size:20;not null"`
	Text           string    `json:"text" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"createdAt" gorm:"not null"`
}

// Patient links a caller number to the context the assistant is primed with.
type Patient struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	FullName  string    `json:"fullName" gorm:"type:string;size:200;not null"`
	Phone     string    `json:"phone" gorm:"type:string;size:50;index;not null"`
	Notes     string    `json:"notes" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}
