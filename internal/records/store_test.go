// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ConversationLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv := &Conversation{CallID: "CALL-1", CallerNumber: "+15550100", Direction: DirectionInbound}
	require.NoError(t, s.CreateConversation(ctx, conv))
	assert.Equal(t, ConversationActive, conv.Status)
	assert.False(t, conv.StartedAt.IsZero())

	require.NoError(t, s.AppendTranscript(ctx, "CALL-1", "user", "I need to reschedule"))
	require.NoError(t, s.AppendTranscript(ctx, "CALL-1", "assistant", "Of course, when suits you?"))
	require.NoError(t, s.EndConversation(ctx, "CALL-1", ConversationCompleted))

	got, err := s.GetConversation(ctx, "CALL-1")
	require.NoError(t, err)
	assert.Equal(t, ConversationCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	require.Len(t, got.Transcripts, 2)
	assert.Equal(t, "user", got.Transcripts[0].Role)
	assert.Equal(t, "assistant", got.Transcripts[1].Role)
}

func TestMemoryStore_DuplicateConversationFails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, &Conversation{CallID: "CALL-1"}))
	assert.Error(t, s.CreateConversation(ctx, &Conversation{CallID: "CALL-1"}))
}

func TestMemoryStore_MissingRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetConversation(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.EndConversation(ctx, "NOPE", ConversationFailed), ErrNotFound)
	assert.ErrorIs(t, s.AppendTranscript(ctx, "NOPE", "user", "hello"), ErrNotFound)

	_, err = s.FindPatientByPhone(ctx, "+10000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PatientLookup(t *testing.T) {
	s := NewMemoryStore()
	s.AddPatient(&Patient{FullName: "Jordan Reyes", Phone: "+15550100", Notes: "prefers mornings"})

	p, err := s.FindPatientByPhone(context.Background(), "+15550100")
	require.NoError(t, err)
	assert.Equal(t, "Jordan Reyes", p.FullName)
	assert.NotZero(t, p.ID)
}

func TestMemoryStore_GetReturnsSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &Conversation{CallID: "CALL-1"}))

	got, err := s.GetConversation(ctx, "CALL-1")
	require.NoError(t, err)
	got.Status = "MANGLED"

	again, err := s.GetConversation(ctx, "CALL-1")
	require.NoError(t, err)
	assert.Equal(t, ConversationActive, again.Status)
}
