package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wikiport/wikiport/engine"
	"github.com/wikiport/wikiport/transform"
)

type fileConfig struct {
	Wikijs struct {
		BaseURL   string `toml:"base_url"`
		AuthToken string `toml:"auth_token"`
	} `toml:"wikijs"`
	Source struct {
		Root       string   `toml:"root"`
		Locale     string   `toml:"locale"`
		PrettyURLs bool     `toml:"pretty_urls"`
		Only       []string `toml:"only"`
	} `toml:"source"`
	Migrate struct {
		Editor         string   `toml:"editor"`
		Prefix         string   `toml:"prefix"`
		RootFolderID   int      `toml:"root_folder_id"`
		Concurrency    int      `toml:"concurrency"`
		RetryAttempts  uint     `toml:"retry_attempts"`
		RetryBaseDelay string   `toml:"retry_base_delay"`
		RetryMaxDelay  string   `toml:"retry_max_delay"`
		SkipUnchanged  bool     `toml:"skip_unchanged"`
		DeleteOrphans  *bool    `toml:"delete_orphans"`
		UploadAssets   *bool    `toml:"upload_assets"`
		Tags           []string `toml:"tags"`
	} `toml:"migrate"`
}

type appConfig struct {
	baseURL    string
	authToken  string
	sourceRoot string
	locale     string
	prettyURLs bool
	only       []string
	editor     transform.Editor
	engine     engine.Config
}

func loadConfig(path string) (appConfig, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}

	cfg := appConfig{
		baseURL:    strings.TrimRight(raw.Wikijs.BaseURL, "/"),
		authToken:  raw.Wikijs.AuthToken,
		sourceRoot: raw.Source.Root,
		locale:     raw.Source.Locale,
		prettyURLs: raw.Source.PrettyURLs,
		only:       raw.Source.Only,
		editor:     transform.EditorCKEditor,
	}
	if cfg.baseURL == "" {
		return appConfig{}, fmt.Errorf("load config: wikijs.base_url is required")
	}
	if cfg.authToken == "" {
		return appConfig{}, fmt.Errorf("load config: wikijs.auth_token is required")
	}
	if cfg.sourceRoot == "" {
		return appConfig{}, fmt.Errorf("load config: source.root is required")
	}
	if cfg.locale == "" {
		cfg.locale = "en"
	}
	switch raw.Migrate.Editor {
	case "", string(transform.EditorCKEditor):
	case string(transform.EditorMarkdown):
		cfg.editor = transform.EditorMarkdown
	default:
		return appConfig{}, fmt.Errorf("load config: unknown editor %q", raw.Migrate.Editor)
	}

	baseDelay, err := parseDelay(raw.Migrate.RetryBaseDelay)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: retry_base_delay: %w", err)
	}
	maxDelay, err := parseDelay(raw.Migrate.RetryMaxDelay)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: retry_max_delay: %w", err)
	}

	concurrency := raw.Migrate.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	cfg.engine = engine.Config{
		RootFolderID:   raw.Migrate.RootFolderID,
		Concurrency:    concurrency,
		RetryAttempts:  raw.Migrate.RetryAttempts,
		RetryBaseDelay: baseDelay,
		RetryMaxDelay:  maxDelay,
		Locale:         cfg.locale,
		Editor:         string(cfg.editor),
		Prefix:         engine.SlugifyPath(raw.Migrate.Prefix),
		Tags:           raw.Migrate.Tags,
		SkipUnchanged:  raw.Migrate.SkipUnchanged,
		DeleteOrphans:  boolOr(raw.Migrate.DeleteOrphans, true),
		UploadAssets:   boolOr(raw.Migrate.UploadAssets, true),
	}
	return cfg, nil
}

func parseDelay(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
