package app

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// ProjectEnvKey names the default project in the workspace .env file.
const ProjectEnvKey = "STAGELINE_PROJECT"

// Workspace is an opened, migrated workspace.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// EnvPath returns the .env file of a workspace.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv loads the workspace .env into the process environment. Variables already
// set win. A missing file is not an error.
func LoadEnv(workspace string) error {
	err := godotenv.Load(EnvPath(workspace))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Open loads the config (configPath, else the workspace stageline.yml, else
// defaults), opens the database and applies pending migrations.
func Open(ctx context.Context, workspace, configPath string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: workspace, Config: cfg, DB: conn}, nil
}

// ResolveProject picks the active project: the override, else the only project of
// the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			return "", fmt.Errorf("project %s: %w", override, err)
		}
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no project yet; create one with stageline project create")
		}
		return "", err
	}
	return p.ID, nil
}

// SetEnvValue writes key=value into the .env file at path, replacing an existing key.
func SetEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
