package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rqtree/rqshare/share"
)

var configPath string
var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the overlay share until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "rqshare.yml", "path to share configuration")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8384", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	opt, err := share.LoadOptions(configPath)
	if err != nil {
		return err
	}
	s, err := share.New(opt)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logrus.WithError(cerr).Error("rqserve: error closing share")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: listenAddr, Handler: newRouter(s)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Processor.Run(gctx)
	})
	g.Go(func() error {
		go logEvents(s)
		logrus.WithField("addr", listenAddr).Info("rqserve: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}

// logEvents forwards sync processor lifecycle events to the structured
// logger until the channel is closed.
func logEvents(s *share.Share) {
	for ev := range s.Processor.Events {
		entry := logrus.WithFields(logrus.Fields{
			"kind":   ev.Kind,
			"parent": ev.Parent,
		})
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("rqserve: sync event")
			continue
		}
		entry.Debug("rqserve: sync event")
	}
}
