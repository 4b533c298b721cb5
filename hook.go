package spillq

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// installShutdownHook closes the queue on SIGINT or SIGTERM and raises the signal again, so the default handling
// of the process still takes place. Returned function uninstalls the hook.
func installShutdownHook(log *zap.Logger, closeFn func() error) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	return runShutdownHook(log, sigCh, closeFn, func(sig os.Signal) {
		signal.Stop(sigCh)
		if s, ok := sig.(syscall.Signal); ok {
			if err := unix.Kill(unix.Getpid(), s); err != nil {
				log.Error("Raising signal failed", zap.Stringer("signal", sig), zap.Error(err))
			}
		}
	}, func() {
		signal.Stop(sigCh)
	})
}

func runShutdownHook(
	log *zap.Logger,
	sigCh <-chan os.Signal,
	closeFn func() error,
	raise func(sig os.Signal),
	stop func(),
) func() {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			stop()
		case sig := <-sigCh:
			log.Info("Signal received, closing queue", zap.Stringer("signal", sig))
			if err := closeFn(); err != nil {
				log.Error("Closing queue failed", zap.Error(err))
			}
			raise(sig)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
		})
	}
}
