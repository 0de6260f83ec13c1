package stages

import (
	"context"
	"fmt"
	"path"
)

// Asset describes an image attached to an article.
type Asset struct {
	ID      string `json:"id" yaml:"id"`
	Kind    string `json:"kind" yaml:"kind"`
	Path    string `json:"path" yaml:"path"`
	Alt     string `json:"alt" yaml:"alt"`
	Caption string `json:"caption,omitempty" yaml:"caption,omitempty"`
	Prompt  string `json:"prompt,omitempty" yaml:"-"`
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
}

// Asset kinds.
const (
	AssetFeatured = "featured"
	AssetSection  = "section"
	AssetSocial   = "social"
)

// AssetGenerator produces the images for an article.
type AssetGenerator interface {
	Generate(ctx context.Context, a Article) ([]Asset, error)
}

// PlaceholderAssets describes the images an article needs without
// synthesizing them: one featured image, one per section and a fixed number
// of social cards.
type PlaceholderAssets struct {
	Style  string
	Social int
}

var _ AssetGenerator = PlaceholderAssets{}

// Generate implements AssetGenerator.
func (p PlaceholderAssets) Generate(ctx context.Context, a Article) ([]Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := path.Join("images", a.ID)
	style := p.Style
	if style == "" {
		style = DefaultConfig().ImageStyle
	}

	assets := []Asset{{
		ID:      a.ID + "-featured",
		Kind:    AssetFeatured,
		Path:    path.Join(dir, "featured.png"),
		Alt:     a.Title,
		Caption: a.Title,
		Prompt:  fmt.Sprintf("%s illustration for %q", style, a.Title),
		Width:   1200,
		Height:  630,
	}}
	for i, title := range a.Sections() {
		assets = append(assets, Asset{
			ID:     fmt.Sprintf("%s-section-%d", a.ID, i+1),
			Kind:   AssetSection,
			Path:   path.Join(dir, fmt.Sprintf("section-%d.png", i+1)),
			Alt:    title,
			Prompt: fmt.Sprintf("%s illustration for section %q", style, title),
			Width:  800,
			Height: 450,
		})
	}
	for i := range p.Social {
		assets = append(assets, Asset{
			ID:     fmt.Sprintf("%s-social-%d", a.ID, i+1),
			Kind:   AssetSocial,
			Path:   path.Join(dir, fmt.Sprintf("social-%d.png", i+1)),
			Alt:    a.Title,
			Width:  1080,
			Height: 1080,
		})
	}
	return assets, nil
}
