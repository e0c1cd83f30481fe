// Package bootstrap turns the service credential held in the secret store
// into an authenticated warehouse client.
//
// Two shapes of secret are supported. A structured secret (a mapping with a
// project_id) is serialized and injected into the client directly. A key-file
// secret (the raw JSON string) is written to a private file of its own which
// the client is pointed at; the file is removed once the client exists. When
// ambient discovery through GOOGLE_APPLICATION_CREDENTIALS is requested the
// key lands at a fixed path instead and is kept.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"contacttrend/internal/config"
	"contacttrend/internal/secrets"
	"contacttrend/internal/warehouse"
)

const (
	// CredentialFileName is the key file exported for ambient discovery.
	CredentialFileName = "bigquery_credentials.json"
	// keyFilePattern names the per-load key files.
	keyFilePattern = "bigquery_credentials-*.json"
	// AmbientCredentialsEnv is read by Google client libraries when no
	// explicit credentials are passed.
	AmbientCredentialsEnv = "GOOGLE_APPLICATION_CREDENTIALS"
)

var ErrMissingCredential = errors.New("missing credential")

// ConfigError is fatal for the page load: nothing is fetched or rendered.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Missing reports whether the secret itself was absent.
func (e *ConfigError) Missing() bool {
	return errors.Is(e.Err, ErrMissingCredential)
}

type Options struct {
	SecretName string
	Mode       config.CredentialMode
	// Dir receives the key file in file mode.
	Dir string
	// ExportEnv sets GOOGLE_APPLICATION_CREDENTIALS and keeps the key file.
	ExportEnv bool
}

type Bootstrapper struct {
	store   secrets.Store
	factory warehouse.Factory
	opts    Options
	logger  *slog.Logger

	setenv func(key, value string) error
}

func New(store secrets.Store, factory warehouse.Factory, opts Options, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = config.CredentialModeStructured
	}
	return &Bootstrapper{
		store:   store,
		factory: factory,
		opts:    opts,
		logger:  logger,
		setenv:  os.Setenv,
	}
}

// Bootstrap reads the credential and builds a client. Every failure is a
// *ConfigError.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (warehouse.Client, error) {
	value, ok := b.store.Lookup(b.opts.SecretName)
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("secret %q not found", b.opts.SecretName), Err: ErrMissingCredential}
	}

	switch b.opts.Mode {
	case config.CredentialModeFile:
		return b.fromKeyFile(ctx, value)
	default:
		return b.fromMapping(ctx, value)
	}
}

func (b *Bootstrapper) fromMapping(ctx context.Context, value secrets.Value) (warehouse.Client, error) {
	fields, ok := value.Mapping()
	if !ok {
		return nil, &ConfigError{Message: "credential secret must be a mapping"}
	}

	projectID, _ := fields["project_id"].(string)
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, &ConfigError{Message: "credential secret has no project_id"}
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, &ConfigError{Message: "encode credential", Err: err}
	}

	client, err := b.factory.NewClient(ctx, warehouse.Spec{ProjectID: projectID, CredentialsJSON: raw})
	if err != nil {
		return nil, &ConfigError{Message: "construct warehouse client", Err: err}
	}

	b.logger.Debug("warehouse client ready", "mode", config.CredentialModeStructured, "project", client.ProjectID())
	return client, nil
}

func (b *Bootstrapper) fromKeyFile(ctx context.Context, value secrets.Value) (warehouse.Client, error) {
	text, ok := value.Text()
	if !ok || strings.TrimSpace(text) == "" {
		return nil, &ConfigError{Message: "credential secret must be a key file string"}
	}
	if b.opts.ExportEnv {
		return b.fromExportedKeyFile(ctx, text)
	}

	path, err := writeKeyFile(b.opts.Dir, text)
	if err != nil {
		return nil, &ConfigError{Message: "write credential file", Err: err}
	}
	defer b.removeKeyFile(path)

	client, err := b.factory.NewClient(ctx, warehouse.Spec{CredentialsFile: path})
	if err != nil {
		return nil, &ConfigError{Message: "construct warehouse client", Err: err}
	}

	b.logger.Debug("warehouse client ready", "mode", config.CredentialModeFile, "project", client.ProjectID())
	return client, nil
}

// fromExportedKeyFile publishes the key at the fixed path and lets the client
// discover it through the environment.
func (b *Bootstrapper) fromExportedKeyFile(ctx context.Context, text string) (warehouse.Client, error) {
	path, err := exportKeyFile(b.opts.Dir, text)
	if err != nil {
		return nil, &ConfigError{Message: "write credential file", Err: err}
	}
	if err := b.setenv(AmbientCredentialsEnv, path); err != nil {
		b.removeKeyFile(path)
		return nil, &ConfigError{Message: "export credential path", Err: err}
	}

	client, err := b.factory.NewClient(ctx, warehouse.Spec{})
	if err != nil {
		return nil, &ConfigError{Message: "construct warehouse client", Err: err}
	}

	b.logger.Debug("warehouse client ready", "mode", config.CredentialModeFile, "project", client.ProjectID(), "exported", path)
	return client, nil
}

func (b *Bootstrapper) removeKeyFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("credential file cleanup failed", "path", path, "err", err)
	}
}

// writeKeyFile stores the key in a new owner-only file under dir. Every call
// gets a distinct path.
func writeKeyFile(dir, content string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, keyFilePattern)
	if err != nil {
		return "", err
	}
	name := f.Name()

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// exportKeyFile atomically replaces dir/CredentialFileName with the key.
func exportKeyFile(dir, content string) (string, error) {
	tmp, err := writeKeyFile(dir, content)
	if err != nil {
		return "", err
	}
	path := filepath.Join(filepath.Dir(tmp), CredentialFileName)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
