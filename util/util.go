package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	cmdTimeout = time.Minute // one minute by default
)

// ExecuteError is a failed or timed out external command.
type ExecuteError struct {
	Binary   string
	Args     []string
	Output   string
	TimedOut bool
	Err      error
}

func (e *ExecuteError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("Timeout executing: %v %v, output %v, error %v", e.Binary, e.Args, e.Output, e.Err)
	}
	return fmt.Sprintf("Failed to execute: %v %v, output %v, error %v", e.Binary, e.Args, e.Output, e.Err)
}

func (e *ExecuteError) Unwrap() error {
	return e.Err
}

func Execute(binary string, args ...string) (string, error) {
	return ExecuteWithTimeout(cmdTimeout, binary, args...)
}

func ExecuteWithTimeout(timeout time.Duration, binary string, args ...string) (string, error) {
	var output []byte
	var err error
	cmd := exec.Command(binary, args...)
	done := make(chan struct{})

	go func() {
		output, err = cmd.CombinedOutput()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logrus.Warnf("Problem killing process pid=%v: %s", cmd.Process.Pid, err)
			}

		}
		return "", &ExecuteError{Binary: binary, Args: args, Output: string(output), TimedOut: true, Err: err}
	}

	if err != nil {
		return "", &ExecuteError{Binary: binary, Args: args, Output: string(output), Err: err}
	}
	return string(output), nil
}

func UUID() string {
	return uuid.New().String()
}

func RandomID() string {
	return UUID()[:8]
}

// WaitForDevice timeout in second
func WaitForDevice(dev string, timeout int) error {
	for i := 0; i < timeout; i++ {
		st, err := os.Stat(dev)
		if err == nil {
			if st.Mode()&os.ModeDevice == 0 {
				return fmt.Errorf("Invalid mode for %v: 0x%x", dev, st.Mode())
			}
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	return fmt.Errorf("timeout waiting for %v", dev)
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func RegisterShutdownChannel(done chan struct{}) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logrus.Infof("Receive %v to exit", sig)
		close(done)
	}()
}

// SizeToHumanReadable renders a byte count with binary unit prefixes,
// e.g. 4194304 -> "4.0 MiB".
func SizeToHumanReadable(num int64) string {
	size := float64(num)
	for _, unit := range []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi"} {
		if size < 1024.0 && size > -1024.0 {
			return fmt.Sprintf("%3.1f %sB", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.1f YiB", size)
}
