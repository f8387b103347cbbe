package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/forge"
)

// RepoStore persists connected repositories.
type RepoStore struct {
	db *db.DB
}

// NewRepoStore creates a RepoStore.
func NewRepoStore(database *db.DB) *RepoStore {
	return &RepoStore{db: database}
}

const repoColumns = `user_id, slug, name, provider, status, connected_at,
	analysis_data, persona_data, custom_skills, webhook_hook_id, webhook_secret`

// Create inserts a new connected repository with status=analyzing.
func (s *RepoStore) Create(ctx context.Context, repo *ConnectedRepo) error {
	skills, err := json.Marshal(repo.CustomSkills)
	if err != nil {
		return fmt.Errorf("marshal custom skills: %w", err)
	}
	if repo.CustomSkills == nil {
		skills = []byte("[]")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO connected_repositories
			(user_id, slug, name, provider, status, custom_skills, webhook_hook_id, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		repo.UserID, repo.Slug, repo.Name, string(repo.Provider),
		string(StatusAnalyzing), skills, repo.WebhookHookID, nullable(repo.WebhookSecret))
	if err != nil {
		return fmt.Errorf("insert connected repository: %w", err)
	}
	return nil
}

// Get fetches one repository by its (user, slug) key.
func (s *RepoStore) Get(ctx context.Context, userID, slug string) (*ConnectedRepo, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+repoColumns+` FROM connected_repositories WHERE user_id = $1 AND slug = $2`,
		userID, slug)
	repo, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("repository", slug)
	}
	return repo, err
}

// ListByName returns every connected row for a forge repository. A repository
// may be connected by multiple users; each row gets its own review.
func (s *RepoStore) ListByName(ctx context.Context, provider forge.Provider, name string) ([]*ConnectedRepo, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+repoColumns+` FROM connected_repositories WHERE provider = $1 AND name = $2`,
		string(provider), name)
	if err != nil {
		return nil, fmt.Errorf("query connected repositories: %w", err)
	}
	defer rows.Close()

	var repos []*ConnectedRepo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ListByUser returns all repositories connected by a user.
func (s *RepoStore) ListByUser(ctx context.Context, userID string) ([]*ConnectedRepo, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+repoColumns+` FROM connected_repositories WHERE user_id = $1 ORDER BY connected_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query connected repositories: %w", err)
	}
	defer rows.Close()

	var repos []*ConnectedRepo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// UpdateStatus sets the lifecycle status. Status never regresses to analyzing;
// callers enforce the transition direction, the store records it.
func (s *RepoStore) UpdateStatus(ctx context.Context, userID, slug string, status RepoStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE connected_repositories SET status = $3 WHERE user_id = $1 AND slug = $2`,
		userID, slug, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("repository", slug)
	}
	return nil
}

// SetAnalysis stores the analysis result and advances the repo to interview.
// A nil analysis still advances the status so the interview can proceed with
// broader questions.
func (s *RepoStore) SetAnalysis(ctx context.Context, userID, slug string, analysis *AnalysisData) error {
	var data []byte
	if analysis != nil {
		var err error
		data, err = json.Marshal(analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		UPDATE connected_repositories
		SET analysis_data = $3, status = $4
		WHERE user_id = $1 AND slug = $2`,
		userID, slug, data, string(StatusInterview))
	if err != nil {
		return fmt.Errorf("set analysis: %w", err)
	}
	return nil
}

// SetPersona stores the interview persona and advances the repo to active.
func (s *RepoStore) SetPersona(ctx context.Context, userID, slug string, persona *PersonaData) error {
	data, err := json.Marshal(persona)
	if err != nil {
		return fmt.Errorf("marshal persona: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE connected_repositories
		SET persona_data = $3, status = $4
		WHERE user_id = $1 AND slug = $2`,
		userID, slug, data, string(StatusActive))
	if err != nil {
		return fmt.Errorf("set persona: %w", err)
	}
	return nil
}

// SetWebhook records the forge webhook id and secret created for the repo.
func (s *RepoStore) SetWebhook(ctx context.Context, userID, slug string, hookID int, secret string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE connected_repositories
		SET webhook_hook_id = $3, webhook_secret = $4
		WHERE user_id = $1 AND slug = $2`,
		userID, slug, hookID, secret)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// UpdateCustomSkills replaces the custom skill list. Callers validate the
// count and size constraints before writing.
func (s *RepoStore) UpdateCustomSkills(ctx context.Context, userID, slug string, skills []string) error {
	if len(skills) > MaxCustomSkills {
		return apperrors.ValidationError("custom_skills", fmt.Sprintf("at most %d skills allowed", MaxCustomSkills))
	}
	for _, skill := range skills {
		if len(skill) > MaxCustomSkillSize {
			return apperrors.ValidationError("custom_skills", fmt.Sprintf("each skill must be at most %d characters", MaxCustomSkillSize))
		}
	}
	if skills == nil {
		skills = []string{}
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("marshal custom skills: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE connected_repositories SET custom_skills = $3 WHERE user_id = $1 AND slug = $2`,
		userID, slug, data)
	if err != nil {
		return fmt.Errorf("update custom skills: %w", err)
	}
	return nil
}

// Delete removes the repository and its review history.
func (s *RepoStore) Delete(ctx context.Context, userID, slug string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM reviews WHERE user_id = $1 AND repo_slug = $2`, userID, slug); err != nil {
			return fmt.Errorf("delete reviews: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM connected_repositories WHERE user_id = $1 AND slug = $2`, userID, slug); err != nil {
			return fmt.Errorf("delete repository: %w", err)
		}
		return nil
	})
}

func scanRepo(row pgx.Row) (*ConnectedRepo, error) {
	var (
		repo         ConnectedRepo
		provider     string
		status       string
		analysisData []byte
		personaData  []byte
		skillsData   []byte
		secret       *string
	)
	err := row.Scan(&repo.UserID, &repo.Slug, &repo.Name, &provider, &status,
		&repo.ConnectedAt, &analysisData, &personaData, &skillsData,
		&repo.WebhookHookID, &secret)
	if err != nil {
		return nil, err
	}
	repo.Provider = forge.Provider(provider)
	repo.Status = RepoStatus(status)
	if secret != nil {
		repo.WebhookSecret = *secret
	}
	if len(analysisData) > 0 {
		if err := json.Unmarshal(analysisData, &repo.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis data: %w", err)
		}
	}
	if len(personaData) > 0 {
		if err := json.Unmarshal(personaData, &repo.Persona); err != nil {
			return nil, fmt.Errorf("unmarshal persona data: %w", err)
		}
	}
	if len(skillsData) > 0 {
		if err := json.Unmarshal(skillsData, &repo.CustomSkills); err != nil {
			return nil, fmt.Errorf("unmarshal custom skills: %w", err)
		}
	}
	return &repo, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
