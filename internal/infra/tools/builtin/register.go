package builtin

import (
	"fmt"

	"taskplane/internal/app/toolruntime"
	"taskplane/internal/infra/httpclient"
	"taskplane/internal/shared/config"
	"taskplane/internal/shared/logging"
)

// Set is the result of registering the built-in tools. Close releases the
// browser if one was started.
type Set struct {
	IDs     []string
	browser *Browser
}

func (s *Set) Close() {
	if s != nil {
		s.browser.Close()
	}
}

// Register adds the built-in tools enabled by cfg to registry.
func Register(registry *toolruntime.Registry, cfg config.ToolsConfig) (*Set, error) {
	set := &Set{}
	register := func(id string, err error) error {
		if err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
		set.IDs = append(set.IDs, id)
		return nil
	}

	urls := httpclient.URLValidationOptions{
		AllowLocalhost:       cfg.AllowPrivateNetworks,
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
	}
	client := httpclient.New(0, logging.NewComponentLogger("WebFetch"))
	if err := register(WebFetchID, registry.Register(WebFetch(client, urls))); err != nil {
		return nil, err
	}
	if err := register(FileReadID, registry.Register(FileRead(cfg.FileRoot))); err != nil {
		return nil, err
	}
	if cfg.Shell.Enabled {
		if err := register(ShellExecID, registry.Register(ShellExec(cfg.FileRoot))); err != nil {
			return nil, err
		}
	}
	if cfg.Browser.Enabled {
		set.browser = NewBrowser(BrowserConfig{Headless: cfg.Browser.Headless, ExecPath: cfg.Browser.ExecPath})
		if err := register(BrowserFetchID, registry.Register(BrowserFetch(set.browser, urls))); err != nil {
			set.Close()
			return nil, err
		}
	}
	return set, nil
}
