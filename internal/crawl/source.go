package crawl

import (
	"context"

	"github.com/sitegrade/sitegrade/internal/browser"
)

// PoolSource adapts the browser pool to the PageSource interface, applying
// the same page configuration to every crawl.
type PoolSource struct {
	Pool   *browser.Pool
	Config browser.PageConfig
}

// NewPage implements PageSource.
func (s PoolSource) NewPage(ctx context.Context) (Page, error) {
	page, err := s.Pool.NewPage(ctx, s.Config)
	if err != nil {
		return nil, err
	}
	return page, nil
}
