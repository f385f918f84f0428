package profile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider supplies the profile fields for guidance requests.
type Provider interface {
	Profile(ctx context.Context) (Profile, error)
}

// Static always returns the same profile.
type Static Profile

// Profile implements Provider.
func (s Static) Profile(context.Context) (Profile, error) {
	return Profile(s).WithDefaults(), nil
}

// FileProvider reads onboarding answers from a YAML file. A missing file
// yields the default profile.
type FileProvider struct {
	Path string
}

// NewFileProvider returns a FileProvider for path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

// Profile implements Provider.
func (p *FileProvider) Profile(_ context.Context) (Profile, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var prof Profile
	if err := yaml.Unmarshal(data, &prof); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", p.Path, err)
	}
	return prof.WithDefaults(), nil
}
