package store

import (
	"context"
	"errors"

	"github.com/quantumfed/quantumfed/participant"
	pkgerrors "github.com/quantumfed/quantumfed/pkg/errors"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

const listAllLimit = 10000

type MemoryStateStore struct {
	roundsDB       storage.Storage
	participantsDB storage.Storage
	assignmentsDB  storage.Storage
	updatesDB      storage.Storage
}

func NewMemoryStateStore(
	roundsDB, participantsDB, assignmentsDB, updatesDB storage.Storage,
) orchestration.StateStore {
	return &MemoryStateStore{
		roundsDB:       roundsDB,
		participantsDB: participantsDB,
		assignmentsDB:  assignmentsDB,
		updatesDB:      updatesDB,
	}
}

func (s *MemoryStateStore) CreateRound(ctx context.Context, round orchestration.Round) error {
	if err := s.roundsDB.Create(ctx, round.ID, round); err != nil {
		if errors.Is(err, pkgerrors.ErrEntityExists) {
			return orchestration.ErrRoundExists
		}

		return err
	}

	return nil
}

func (s *MemoryStateStore) GetRound(ctx context.Context, roundID string) (orchestration.Round, error) {
	data, err := s.roundsDB.Get(ctx, roundID)
	if err != nil {
		return orchestration.Round{}, err
	}

	r, ok := data.(orchestration.Round)
	if !ok {
		return orchestration.Round{}, pkgerrors.ErrInvalidData
	}

	return r, nil
}

func (s *MemoryStateStore) UpdateRound(ctx context.Context, round orchestration.Round) error {
	return s.roundsDB.Update(ctx, round.ID, round)
}

func (s *MemoryStateStore) ListRounds(ctx context.Context, offset, limit uint64) ([]orchestration.Round, uint64, error) {
	data, total, err := s.roundsDB.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}

	rounds := make([]orchestration.Round, 0, len(data))
	for i := range data {
		r, ok := data[i].(orchestration.Round)
		if !ok {
			continue
		}
		rounds = append(rounds, r)
	}

	return rounds, total, nil
}

func (s *MemoryStateStore) SaveParticipant(ctx context.Context, p orchestration.Participant) error {
	if err := s.participantsDB.Create(ctx, p.ID, p); err != nil {
		if errors.Is(err, pkgerrors.ErrEntityExists) {
			return s.participantsDB.Update(ctx, p.ID, p)
		}

		return err
	}

	return nil
}

func (s *MemoryStateStore) GetParticipant(ctx context.Context, participantID string) (orchestration.Participant, error) {
	data, err := s.participantsDB.Get(ctx, participantID)
	if err != nil {
		return orchestration.Participant{}, err
	}

	p, ok := data.(participant.Participant)
	if !ok {
		return orchestration.Participant{}, pkgerrors.ErrInvalidData
	}

	return p, nil
}

func (s *MemoryStateStore) ListParticipants(ctx context.Context, offset, limit uint64) ([]orchestration.Participant, uint64, error) {
	data, total, err := s.participantsDB.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}

	participants := make([]orchestration.Participant, 0, len(data))
	for i := range data {
		p, ok := data[i].(participant.Participant)
		if !ok {
			continue
		}
		participants = append(participants, p)
	}

	return participants, total, nil
}

func (s *MemoryStateStore) CreateAssignment(ctx context.Context, a orchestration.Assignment) error {
	return s.assignmentsDB.Create(ctx, orchestration.AssignmentID(a.RoundID, a.ParticipantID), a)
}

func (s *MemoryStateStore) GetAssignment(ctx context.Context, roundID, participantID string) (orchestration.Assignment, error) {
	data, err := s.assignmentsDB.Get(ctx, orchestration.AssignmentID(roundID, participantID))
	if err != nil {
		return orchestration.Assignment{}, err
	}

	a, ok := data.(orchestration.Assignment)
	if !ok {
		return orchestration.Assignment{}, pkgerrors.ErrInvalidData
	}

	return a, nil
}

func (s *MemoryStateStore) UpdateAssignment(ctx context.Context, a orchestration.Assignment) error {
	return s.assignmentsDB.Update(ctx, orchestration.AssignmentID(a.RoundID, a.ParticipantID), a)
}

func (s *MemoryStateStore) ListAssignments(ctx context.Context, roundID string) ([]orchestration.Assignment, error) {
	// The in-memory store lists everything and filters; a database
	// backend would index by round.
	data, _, err := s.assignmentsDB.List(ctx, 0, listAllLimit)
	if err != nil {
		return nil, err
	}

	assignments := make([]orchestration.Assignment, 0)
	for i := range data {
		a, ok := data[i].(orchestration.Assignment)
		if !ok {
			continue
		}
		if a.RoundID == roundID {
			assignments = append(assignments, a)
		}
	}

	return assignments, nil
}

func (s *MemoryStateStore) AddUpdate(ctx context.Context, update fl.Update) error {
	key := orchestration.AssignmentID(update.RoundID, update.ParticipantID)
	if err := s.updatesDB.Create(ctx, key, update); err != nil {
		if errors.Is(err, pkgerrors.ErrEntityExists) {
			return orchestration.ErrDuplicateUpdate
		}

		return err
	}

	return nil
}

func (s *MemoryStateStore) ListUpdates(ctx context.Context, roundID string) ([]fl.Update, error) {
	data, _, err := s.updatesDB.List(ctx, 0, listAllLimit)
	if err != nil {
		return nil, err
	}

	updates := make([]fl.Update, 0)
	for i := range data {
		u, ok := data[i].(fl.Update)
		if !ok {
			continue
		}
		if u.RoundID == roundID {
			updates = append(updates, u)
		}
	}

	return updates, nil
}
