package usecase

import (
	"context"
	"fmt"
	"strings"

	"coach-chat/internal/domain"
)

const maxCoachNameLen = 60

type CreateCoachInput struct {
	Name        string
	Avatar      string
	Specialty   string
	Description string
	Instruction string
	Public      bool
}

// ListCoaches returns the prebuilt catalog followed by the caller's custom
// coaches.
func (s *ChatService) ListCoaches(ctx context.Context, credential string) ([]domain.Persona, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	custom, err := s.personas.ListPersonasByCreator(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "coach_list_error", err)
	}
	return append(s.catalog.All(), custom...), nil
}

// CreateCoach stores a custom coach owned by the caller. Non-entitled users
// may own at most FreeCustomCoachLimit custom coaches.
func (s *ChatService) CreateCoach(ctx context.Context, credential string, in CreateCoachInput) (domain.Persona, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return domain.Persona{}, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Persona{}, newError(ErrorBadRequest, "missing_coach_name", nil)
	}
	if len(name) > maxCoachNameLen {
		return domain.Persona{}, newError(ErrorBadRequest, "coach_name_too_long", nil)
	}
	instruction := strings.TrimSpace(in.Instruction)
	if len(instruction) > s.cfg.MaxMessageLen {
		return domain.Persona{}, newError(ErrorBadRequest, "instruction_too_long", nil)
	}

	entitled, err := s.isEntitled(ctx, userID)
	if err != nil {
		return domain.Persona{}, err
	}
	if !entitled {
		owned, err := s.personas.ListPersonasByCreator(ctx, userID)
		if err != nil {
			return domain.Persona{}, newError(ErrorInternal, "coach_list_error", err)
		}
		if len(owned) >= s.cfg.FreeCustomCoachLimit {
			return domain.Persona{}, newError(ErrorCoachLimitReached, "custom_coach_limit", nil)
		}
	}

	specialty := domain.ParseSpecialty(in.Specialty)
	if instruction == "" {
		instruction = fmt.Sprintf("You are %s, a %s coach who helps people achieve their goals.\n\n"+
			"Be supportive, ask clarifying questions, and provide actionable advice.", name, specialty)
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = fmt.Sprintf("Your personal %s coach.", specialty)
	}

	p, err := s.personas.CreatePersona(ctx, domain.Persona{
		Name:        name,
		Avatar:      strings.TrimSpace(in.Avatar),
		Specialty:   specialty,
		Description: description,
		Instruction: instruction,
		Public:      in.Public,
		CreatorID:   userID,
	})
	if err != nil {
		return domain.Persona{}, newError(ErrorInternal, "coach_write_error", err)
	}
	return p, nil
}
