// Package catalog defines dataset descriptors and the in-memory registry
// used by fetch and materialize workflows.
package catalog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/chemflow/chemflow/pkg/errors"
)

// Format identifies a tabular raw-file format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatJSONL Format = "jsonl"
)

// Compression identifies how a raw file is compressed.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionZip   Compression = "zip"
	CompressionInfer Compression = "infer"
)

// URLMode controls how multiple URLs are interpreted.
type URLMode string

const (
	// URLModeFallback tries URLs in order until one succeeds.
	URLModeFallback URLMode = "fallback"
	// URLModeConcat downloads every URL and concatenates the parts.
	URLModeConcat URLMode = "concat"
)

// PaginationMode identifies how an API advances through pages.
type PaginationMode string

const (
	PaginationNone PaginationMode = "none"
	// PaginationChembl follows the page_meta.next field in the response body.
	PaginationChembl PaginationMode = "chembl"
	// PaginationLinkHeader follows the Link header with rel="next".
	PaginationLinkHeader PaginationMode = "link_header"
)

// APIConfig configures API-backed datasets.
type APIConfig struct {
	Endpoint      string            `json:"endpoint" yaml:"endpoint"`
	Params        map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Pagination    PaginationMode    `json:"pagination" yaml:"pagination"`
	ItemsPath     string            `json:"items_path" yaml:"items_path"`
	PageSizeParam string            `json:"page_size_param,omitempty" yaml:"page_size_param,omitempty"`
	PageSize      int               `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	MaxPages      int               `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
	MaxRows       int               `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
}

// RequestSignature returns a stable description of the request shape.
// Cached API payloads are only reusable while the signature is unchanged.
func (a *APIConfig) RequestSignature() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":        a.Endpoint,
		"params":          a.Params,
		"headers":         a.Headers,
		"pagination":      string(a.Pagination),
		"items_path":      a.ItemsPath,
		"page_size_param": a.PageSizeParam,
		"page_size":       a.PageSize,
		"max_pages":       a.MaxPages,
		"max_rows":        a.MaxRows,
	}
}

// Fingerprint hashes the request signature into a short hex token.
// encoding/json writes map keys in sorted order, so the bytes are stable.
func (a *APIConfig) Fingerprint() string {
	data, err := json.Marshal(a.RequestSignature())
	if err != nil {
		return "invalid"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Dataset describes one catalog entry.
type Dataset struct {
	ID          string   `json:"dataset_id" yaml:"dataset_id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Source      string   `json:"source" yaml:"source"`
	Homepage    string   `json:"homepage" yaml:"homepage"`
	LicenseName string   `json:"license_name" yaml:"license_name"`
	LicenseURL  string   `json:"license_url,omitempty" yaml:"license_url,omitempty"`
	Category    string   `json:"category" yaml:"category"`
	Format      Format   `json:"file_format" yaml:"file_format"`
	URLs        []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	URLMode     URLMode  `json:"url_mode" yaml:"url_mode"`

	API *APIConfig `json:"api,omitempty" yaml:"api,omitempty"`

	UsageNotes  []string    `json:"usage_notes,omitempty" yaml:"usage_notes,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Delimiter   string      `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Compression Compression `json:"compression" yaml:"compression"`
	Version     string      `json:"version" yaml:"version"`
	Filename    string      `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// categoryUsageDefaults maps categories to a fallback usage note.
var categoryUsageDefaults = map[string]string{
	"compound_library":  "Use for compound library curation, screening, and molecular pretraining.",
	"target_activity":   "Use for ligand-target activity modeling and potency benchmarking.",
	"toxicity":          "Use for toxicity risk prediction and safety classification tasks.",
	"admet":             "Use for ADMET property prediction and developability screening.",
	"safety":            "Use for pharmacovigilance and safety endpoint modeling.",
	"virtual_screening": "Use for virtual screening and hit prioritization workflows.",
	"physchem":          "Use for physicochemical property modeling and feature engineering.",
	"assays":            "Use for assay landscape analysis and protocol-level benchmarking.",
	"targets":           "Use for target selection, annotation, and target-space definition.",
	"target_families":   "Use for family-focused target programs and panel design.",
}

// IsAPI returns true when the dataset is API-backed.
func (d *Dataset) IsAPI() bool {
	return d.API != nil
}

// EffectiveVersion returns the catalog version tag, defaulting to "latest".
func (d *Dataset) EffectiveVersion() string {
	if d.Version == "" {
		return "latest"
	}
	return d.Version
}

// EffectiveURLMode returns the URL mode, defaulting to fallback.
func (d *Dataset) EffectiveURLMode() URLMode {
	if d.URLMode == "" {
		return URLModeFallback
	}
	return d.URLMode
}

// EffectiveCompression returns the compression, defaulting to infer.
func (d *Dataset) EffectiveCompression() Compression {
	if d.Compression == "" {
		return CompressionInfer
	}
	return d.Compression
}

// PreferredFilename returns a filesystem-safe filename for the raw file.
func (d *Dataset) PreferredFilename() string {
	if d.Filename != "" {
		return d.Filename
	}
	if d.IsAPI() {
		return d.ID + ".jsonl"
	}
	if len(d.URLs) > 0 {
		if u, err := url.Parse(d.URLs[0]); err == nil {
			if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	return d.ID + "." + string(d.Format)
}

// ResolvedUsageNotes returns explicit notes or a category-derived fallback.
func (d *Dataset) ResolvedUsageNotes() []string {
	if len(d.UsageNotes) > 0 {
		return d.UsageNotes
	}
	if note, ok := categoryUsageDefaults[d.Category]; ok {
		return []string{note}
	}
	return []string{d.Description}
}

// Snapshot is the normalized metadata recorded next to cached files.
type Snapshot struct {
	DatasetID   string                 `json:"dataset_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	UsageNotes  []string               `json:"usage_notes"`
	Category    string                 `json:"category"`
	SourceType  string                 `json:"source_type"`
	Source      string                 `json:"source"`
	Homepage    string                 `json:"homepage"`
	LicenseName string                 `json:"license_name"`
	LicenseURL  string                 `json:"license_url,omitempty"`
	Version     string                 `json:"version"`
	Format      string                 `json:"file_format"`
	Compression string                 `json:"compression"`
	Delimiter   string                 `json:"delimiter,omitempty"`
	Filename    string                 `json:"filename"`
	URLMode     string                 `json:"url_mode"`
	Tags        []string               `json:"tags"`
	URLs        []string               `json:"urls"`
	API         map[string]interface{} `json:"api,omitempty"`
}

// MetadataSnapshot returns normalized metadata for cache records and CLI output.
func (d *Dataset) MetadataSnapshot() Snapshot {
	sourceType := "file"
	var api map[string]interface{}
	if d.IsAPI() {
		sourceType = "api"
		api = d.API.RequestSignature()
	}
	return Snapshot{
		DatasetID:   d.ID,
		Name:        d.Name,
		Description: d.Description,
		UsageNotes:  d.ResolvedUsageNotes(),
		Category:    d.Category,
		SourceType:  sourceType,
		Source:      d.Source,
		Homepage:    d.Homepage,
		LicenseName: d.LicenseName,
		LicenseURL:  d.LicenseURL,
		Version:     d.EffectiveVersion(),
		Format:      string(d.Format),
		Compression: string(d.EffectiveCompression()),
		Delimiter:   d.Delimiter,
		Filename:    d.PreferredFilename(),
		URLMode:     string(d.EffectiveURLMode()),
		Tags:        d.Tags,
		URLs:        d.URLs,
		API:         api,
	}
}

// Validate checks structural invariants of a dataset entry.
func (d *Dataset) Validate() error {
	if d.ID == "" {
		return errors.New(errors.CodeInvalidDataset, "dataset id is required")
	}
	if d.IsAPI() && len(d.URLs) > 0 {
		return errors.New(errors.CodeInvalidDataset, "dataset cannot have both urls and api").
			WithContext("dataset_id", d.ID)
	}
	if !d.IsAPI() && len(d.URLs) == 0 {
		return errors.New(errors.CodeInvalidDataset, "dataset needs urls or api").
			WithContext("dataset_id", d.ID)
	}
	switch d.Format {
	case FormatCSV, FormatTSV, FormatJSONL:
	default:
		return errors.New(errors.CodeInvalidDataset, "unsupported file format").
			WithContext("dataset_id", d.ID).
			WithContext("format", string(d.Format))
	}
	return nil
}

// Catalog is an in-memory dataset registry.
type Catalog struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{datasets: make(map[string]*Dataset)}
}

// FromEntries builds a catalog from a list of datasets.
// IDs must be unique.
func FromEntries(entries []*Dataset) (*Catalog, error) {
	c := New()
	for _, d := range entries {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a dataset to the catalog.
func (c *Catalog) Register(d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.datasets[d.ID]; exists {
		return errors.New(errors.CodeInvalidDataset, "duplicate dataset id").
			WithContext("dataset_id", d.ID)
	}
	c.datasets[d.ID] = d
	return nil
}

// Get looks up a dataset by id.
func (c *Catalog) Get(id string) (*Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.datasets[id]
	if !ok {
		return nil, errors.UnknownDataset(id, c.idsLocked())
	}
	return d, nil
}

// List returns all datasets sorted by id.
func (c *Catalog) List() []*Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Dataset, 0, len(c.datasets))
	for _, id := range c.idsLocked() {
		out = append(out, c.datasets[id])
	}
	return out
}

// IDs returns all dataset ids sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idsLocked()
}

func (c *Catalog) idsLocked() []string {
	ids := make([]string, 0, len(c.datasets))
	for id := range c.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FilterByTag returns datasets carrying the given tag, case-insensitively.
func (c *Catalog) FilterByTag(tag string) []*Dataset {
	needle := strings.ToLower(strings.TrimSpace(tag))

	var out []*Dataset
	for _, d := range c.List() {
		for _, t := range d.Tags {
			if strings.ToLower(t) == needle {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// FilterByCategory returns datasets in the given category.
func (c *Catalog) FilterByCategory(category string) []*Dataset {
	needle := strings.ToLower(strings.TrimSpace(category))

	var out []*Dataset
	for _, d := range c.List() {
		if strings.ToLower(d.Category) == needle {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered datasets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.datasets)
}
