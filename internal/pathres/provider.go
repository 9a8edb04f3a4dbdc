package pathres

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/you-humble/datacollector/internal/domain"
)

// Provider describes where a catalog provider keeps its datasets.
type Provider struct {
	Name      string `yaml:"name"`
	ShortCode string `yaml:"short_code"`

	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// AccessionPattern is the prefix of a short accession, e.g. "ds" for ds006486.
	// Empty means bucket keys use the download path as is.
	AccessionPattern string `yaml:"accession_prefix"`
}

// Anonymous reports whether the source bucket is read without credentials.
func (p Provider) Anonymous() bool {
	return p.AccessKeyID == "" && p.SecretAccessKey == ""
}

func (p Provider) accessionRegexps() (full, partial *regexp.Regexp) {
	if p.AccessionPattern == "" {
		return nil, nil
	}
	quoted := regexp.QuoteMeta(p.AccessionPattern)
	full = regexp.MustCompile(`(?i)^` + quoted + `\d+$`)
	partial = regexp.MustCompile(`(?i)` + quoted + `\d+`)
	return full, partial
}

func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:             "openneuro",
			Endpoint:         "s3.amazonaws.com",
			Bucket:           "openneuro.org",
			Region:           "us-east-1",
			UseSSL:           true,
			AccessionPattern: "ds",
		},
	}
}

// Registry resolves provider names case-insensitively.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the defaults with overrides applied on top.
func NewRegistry(overrides ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range DefaultProviders() {
		r.providers[strings.ToLower(p.Name)] = p
	}
	for _, p := range overrides {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		r.providers[strings.ToLower(p.Name)] = p
	}
	return r
}

func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, name)
	}
	return p, nil
}

// ShortCode returns the folder prefix for a provider, empty for unknown ones.
func (r *Registry) ShortCode(name string) string {
	p, err := r.Lookup(name)
	if err != nil {
		return ""
	}
	return p.ShortCode
}
