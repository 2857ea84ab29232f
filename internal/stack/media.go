package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

// Media replaces the Open edX media directory with an extracted copy. The stack is
// stopped for the swap and always started again afterwards.
type Media struct {
	controller tb.StackController
	resolver   tb.ConfigResolver
	files      fileOps
	logger     tb.Logger
}

func NewMedia(controller tb.StackController, resolver tb.ConfigResolver, runner command.Runner, privileged bool, logger tb.Logger) *Media {
	return &Media{
		controller: controller,
		resolver:   resolver,
		files:      fileOps{runner: runner, privileged: privileged, logger: logger},
		logger:     logger,
	}
}

func (m *Media) Kind() tb.ArtifactKind { return tb.KindMedia }

func (m *Media) Replay(ctx context.Context, extractDir string) error {
	src := mediaSource(extractDir)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("media directory not found: %w", err)
	}
	root, err := m.resolver.Root(ctx)
	if err != nil {
		return err
	}
	target := tb.StackLayout{Root: root}.MediaDir()

	m.logger.Info("stopping stack for media restore")
	var replayErr error
	if err := m.controller.Stop(ctx); err != nil {
		replayErr = err
	} else {
		replayErr = m.replace(ctx, src, target)
	}

	m.logger.Info("starting stack after media restore")
	startErr := m.controller.Start(context.WithoutCancel(ctx))
	if startErr != nil {
		m.logger.Error("stack did not start after media restore", "error", startErr)
	}
	return errors.Join(replayErr, startErr)
}

func (m *Media) replace(ctx context.Context, src, target string) error {
	if err := m.files.removeAll(ctx, target); err != nil {
		return err
	}
	if err := m.files.copyTree(ctx, src, target); err != nil {
		return err
	}
	if err := m.files.chownTree(ctx, target); err != nil {
		return fmt.Errorf("fixing media ownership: %w", err)
	}
	return nil
}

// mediaSource returns the directory holding the media files. Archives of the media tree
// contain a top-level openedx-media directory.
func mediaSource(extractDir string) string {
	nested := filepath.Join(extractDir, "openedx-media")
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return extractDir
}

var _ tb.Replayer = (*Media)(nil)
