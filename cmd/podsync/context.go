package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
	"github.com/solgood44/podcastlibrary-sub000/internal/logging"
	"github.com/solgood44/podcastlibrary-sub000/internal/pocketbase"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	offlineFlag  *bool

	configOnce sync.Once
	config     appcli.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string, offlineFlag *bool) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
		offlineFlag:  offlineFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return appcli.DefaultConfigPath()
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (appcli.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = appcli.LoadConfig(c.configPath())
	})
	return c.config, c.configErr
}

func (c *commandContext) offline() bool {
	return c.offlineFlag != nil && *c.offlineFlag
}

// logger builds the command logger. defLevel applies when --log-level is unset.
func (c *commandContext) logger(defLevel string) (*zap.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	level := defLevel
	if c.logLevelFlag != nil && *c.logLevelFlag != "" {
		level = *c.logLevelFlag
	}
	return logging.New(logging.Options{Level: level, File: cfg.LogFile})
}

func (c *commandContext) authClient() pocketbase.Client {
	cfg, _ := c.ensureConfig()
	return pocketbase.NewHTTPClient(cfg.Server)
}

// withRuntime opens the data directory for fn. After fn succeeds the runtime
// syncs unless --offline is set; a failed sync only warns because the change
// is already stored locally and stays pending.
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(*appcli.Runtime) error) error {
	rt, err := c.openRuntime(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if err := fn(rt); err != nil {
		return err
	}
	c.syncAfter(cmd, rt)
	return nil
}

func (c *commandContext) openRuntime(cmd *cobra.Command) (*appcli.Runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	log, err := c.logger("warn")
	if err != nil {
		return nil, err
	}
	rt, err := appcli.Open(cmd.Context(), cfg, appcli.Options{
		Auth:   c.authClient(),
		Logger: log,
	})
	if errors.Is(err, appcli.ErrLocked) {
		return nil, fmt.Errorf("%w; stop `podsync daemon` or use `podsync sync` to reach it", err)
	}
	return rt, err
}

func (c *commandContext) syncAfter(cmd *cobra.Command, rt *appcli.Runtime) {
	if c.offline() || !rt.SignedIn() {
		return
	}
	if err := rt.Sync(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: sync failed, changes stay pending: %v\n", err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
