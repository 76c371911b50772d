// Package snapshot defines the structured page snapshot model and the
// acquisition path that produces it through a browser backend.
package snapshot

import (
	"encoding/json"
	"os"
)

// BBox is a viewport-relative bounding box.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the center point of the box.
func (b BBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Viewport holds the page viewport dimensions.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// VisualCues carries the visual-analysis hints the in-page producer attaches
// to each element.
type VisualCues struct {
	IsPrimary           bool    `json:"is_primary"`
	IsClickable         bool    `json:"is_clickable"`
	BackgroundColorName *string `json:"background_color_name,omitempty"`
}

// Element is one addressable UI item within a snapshot. IDs are stable only
// within the snapshot that produced them.
type Element struct {
	ID        int     `json:"id"`
	Role      string  `json:"role"`
	Text      string  `json:"text,omitempty"`
	Name      string  `json:"name,omitempty"`
	Href      string  `json:"href,omitempty"`
	Value     *string `json:"value,omitempty"`
	InputType string  `json:"input_type,omitempty"`

	Importance int        `json:"importance"`
	BBox       BBox       `json:"bbox"`
	VisualCues VisualCues `json:"visual_cues"`
	InViewport bool       `json:"in_viewport"`
	IsOccluded bool       `json:"is_occluded"`
	ZIndex     int        `json:"z_index"`

	// Optional state flags; nil means the producer did not report them.
	Disabled *bool `json:"disabled,omitempty"`
	Checked  *bool `json:"checked,omitempty"`
	Expanded *bool `json:"expanded,omitempty"`

	// DocY is the document-absolute Y position when reported. BBox stays
	// viewport-relative regardless.
	DocY *float64 `json:"doc_y,omitempty"`

	// ValueRedacted is set by artifact persistence when Value was scrubbed.
	ValueRedacted bool `json:"value_redacted,omitempty"`
}

// CaptchaEvidence groups the raw hit strings behind a CAPTCHA detection.
type CaptchaEvidence struct {
	IframeSrcHits []string `json:"iframe_src_hits,omitempty"`
	URLHits       []string `json:"url_hits,omitempty"`
	TextHits      []string `json:"text_hits,omitempty"`
	SelectorHits  []string `json:"selector_hits,omitempty"`
}

// CaptchaDiagnostics reports a possible CAPTCHA on the page. A detection is
// only treated as blocking when its evidence is strong; see the captcha
// package.
type CaptchaDiagnostics struct {
	Detected     bool            `json:"detected"`
	ProviderHint string          `json:"provider_hint,omitempty"`
	Confidence   float64         `json:"confidence"`
	Evidence     CaptchaEvidence `json:"evidence"`
}

// Diagnostics carries snapshot quality signals from the producer or the
// refinement service.
type Diagnostics struct {
	// Confidence in [0,1]; nil when the producer did not report one.
	Confidence *float64            `json:"confidence,omitempty"`
	Captcha    *CaptchaDiagnostics `json:"captcha,omitempty"`
	Reasons    []string            `json:"reasons,omitempty"`
	Metrics    map[string]any      `json:"metrics,omitempty"`
}

// Snapshot is a point-in-time page state. Once returned to the runtime it is
// treated as immutable.
type Snapshot struct {
	Status           string       `json:"status"`
	URL              string       `json:"url"`
	Timestamp        string       `json:"timestamp,omitempty"`
	Viewport         *Viewport    `json:"viewport,omitempty"`
	Elements         []Element    `json:"elements"`
	Screenshot       string       `json:"screenshot,omitempty"`
	ScreenshotFormat string       `json:"screenshot_format,omitempty"`
	Diagnostics      *Diagnostics `json:"diagnostics,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Confidence returns the diagnostics confidence and whether one was reported.
func (s *Snapshot) Confidence() (float64, bool) {
	if s == nil || s.Diagnostics == nil || s.Diagnostics.Confidence == nil {
		return 0, false
	}
	return *s.Diagnostics.Confidence, true
}

// ElementByID returns the element with the given id, if present.
func (s *Snapshot) ElementByID(id int) (*Element, bool) {
	for i := range s.Elements {
		if s.Elements[i].ID == id {
			return &s.Elements[i], true
		}
	}
	return nil, false
}

// Save writes the snapshot as indented JSON to filepath.
func (s *Snapshot) Save(filepath string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// ScreenshotOptions controls screenshot capture during snapshots.
type ScreenshotOptions struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "png" or "jpeg"
	// Quality applies to jpeg only, range 1..100.
	Quality int `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// Filter restricts which elements the producer returns.
type Filter struct {
	MinArea      float64  `json:"min_area,omitempty" yaml:"min_area,omitempty"`
	AllowedRoles []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	MinZIndex    int      `json:"min_z_index,omitempty" yaml:"min_z_index,omitempty"`
}

// Options configures a snapshot request.
type Options struct {
	// Limit caps the number of returned elements, clamped to [1,500].
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`

	// Goal is an optional ranking hint passed to the producer.
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`

	// Screenshot enables screenshot capture. Nil disables it.
	Screenshot *ScreenshotOptions `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`

	Filter *Filter `json:"filter,omitempty" yaml:"filter,omitempty"`

	// UseAPI routes the raw result through the refinement service when an
	// API key is present.
	UseAPI bool `json:"use_api,omitempty" yaml:"use_api,omitempty"`

	// APIKey authenticates against the refinement service. It travels in
	// the Authorization header only, never in serialized payloads.
	APIKey string `json:"-" yaml:"api_key,omitempty"`

	// GatewayTimeoutS bounds the refinement call in seconds. Zero means the
	// 30s default.
	GatewayTimeoutS float64 `json:"gateway_timeout_s,omitempty" yaml:"gateway_timeout_s,omitempty"`

	// ShowOverlay asks the producer to render its debug overlay.
	ShowOverlay bool `json:"show_overlay,omitempty" yaml:"show_overlay,omitempty"`
}

// DefaultLimit is the element cap applied when Options.Limit is zero.
const DefaultLimit = 50

// ClampLimit clamps a requested element limit to the supported [1,500] range.
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 500 {
		return 500
	}
	return n
}

// EffectiveLimit resolves the option's limit, applying the default and clamp.
func (o *Options) EffectiveLimit() int {
	if o == nil || o.Limit == 0 {
		return DefaultLimit
	}
	return ClampLimit(o.Limit)
}

// Clone returns a shallow copy with nested option structs duplicated, so a
// per-attempt override never mutates the caller's options.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	out := *o
	if o.Screenshot != nil {
		sc := *o.Screenshot
		out.Screenshot = &sc
	}
	if o.Filter != nil {
		f := *o.Filter
		out.Filter = &f
	}
	return &out
}
