package lab

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/referral/referral/internal/platform/notify"
)

var codePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateLaboratory(ctx context.Context, l *Laboratory) error {
	if err := validate(l); err != nil {
		return err
	}
	// code must be unique across active and inactive laboratories, since a
	// deactivated partner may come back
	existing, err := s.repo.GetByCode(ctx, l.Code)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("laboratory code %q is already in use", l.Code)
	}
	return s.repo.Create(ctx, l)
}

func (s *Service) GetLaboratory(ctx context.Context, id uuid.UUID) (*Laboratory, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Laboratory, error) {
	return s.repo.GetByCode(ctx, code)
}

// UpdateLaboratory changes everything but the code. The code is the shared
// identity between partners and renaming it would orphan every object that
// references it remotely.
func (s *Service) UpdateLaboratory(ctx context.Context, l *Laboratory) error {
	current, err := s.repo.GetByID(ctx, l.ID)
	if err != nil {
		return err
	}
	l.Code = current.Code
	if err := validate(l); err != nil {
		return err
	}
	return s.repo.Update(ctx, l)
}

// DeactivateLaboratory retires a partner without deleting it; historical
// shipments keep their lab reference and the code stays reserved.
func (s *Service) DeactivateLaboratory(ctx context.Context, id uuid.UUID) error {
	l, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	l.Active = false
	return s.repo.Update(ctx, l)
}

func (s *Service) ListLaboratories(ctx context.Context, limit, offset int) ([]*Laboratory, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Destination builds the notify destination for the laboratory.
func (s *Service) Destination(l *Laboratory) notify.Destination {
	return notify.Destination{
		LabUID:   l.ID,
		Code:     l.Code,
		URL:      l.URL,
		Username: l.Username,
		Password: l.Password,
	}
}

func (s *Service) AddMapping(ctx context.Context, m *Mapping) error {
	if m.Kind != MappingSampleType && m.Kind != MappingAnalysis {
		return fmt.Errorf("unknown mapping kind %q", m.Kind)
	}
	if m.RemoteText == "" || m.LocalKey == "" {
		return fmt.Errorf("remote_text and local_key are required")
	}
	if _, err := s.repo.GetByID(ctx, m.LabID); err != nil {
		return err
	}
	return s.repo.AddMapping(ctx, m)
}

func (s *Service) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteMapping(ctx, id)
}

func (s *Service) ListMappings(ctx context.Context, labID uuid.UUID) ([]*Mapping, error) {
	return s.repo.ListMappings(ctx, labID)
}

// ResolveSampleType maps a partner's sample type text to the local key.
func (s *Service) ResolveSampleType(ctx context.Context, labID uuid.UUID, remoteText string) (string, error) {
	return s.repo.ResolveMapping(ctx, labID, MappingSampleType, remoteText)
}

// ResolveAnalysis maps a partner's analysis keyword to the local keyword.
func (s *Service) ResolveAnalysis(ctx context.Context, labID uuid.UUID, remoteText string) (string, error) {
	return s.repo.ResolveMapping(ctx, labID, MappingAnalysis, remoteText)
}

func validate(l *Laboratory) error {
	if l.Code == "" {
		return fmt.Errorf("code is required")
	}
	if !codePattern.MatchString(l.Code) {
		return fmt.Errorf("code must be alphanumeric")
	}
	if l.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}
