package stages

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Command describes one external tool invocation. The interpreter is
// the tool environment's own python binary, which replaces shell
// activation of the environment.
type Command struct {
	Python string
	Script string
	Args   []string
	Dir    string

	// Device selects the GPU via CUDA_VISIBLE_DEVICES.
	Device int

	// LibraryPath is prepended to LD_LIBRARY_PATH when set.
	LibraryPath string

	// ExtraEnv entries are appended last, KEY=VALUE form.
	ExtraEnv []string
}

// buildEnv assembles the child environment. NVCC_PREPEND_FLAGS is
// always removed: a leftover value from a previously entered
// environment corrupts CUDA extension builds in the next one.
func buildEnv(base []string, device int, libraryPath string, extra []string) []string {
	env := make([]string, 0, len(base)+4)
	ldSeen := false
	for _, kv := range base {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "NVCC_PREPEND_FLAGS", "CUDA_VISIBLE_DEVICES", "PYOPENGL_PLATFORM":
			continue
		case "LD_LIBRARY_PATH":
			if libraryPath != "" {
				ldSeen = true
				if val == "" {
					env = append(env, "LD_LIBRARY_PATH="+libraryPath)
				} else {
					env = append(env, "LD_LIBRARY_PATH="+libraryPath+string(os.PathListSeparator)+val)
				}
				continue
			}
		}
		env = append(env, kv)
	}
	if libraryPath != "" && !ldSeen {
		env = append(env, "LD_LIBRARY_PATH="+libraryPath)
	}
	env = append(env,
		"CUDA_VISIBLE_DEVICES="+strconv.Itoa(device),
		"PYOPENGL_PLATFORM=egl",
	)
	env = append(env, extra...)
	return env
}

// RunCommand executes c, streaming each stdout and stderr line to
// logLine. The process is killed when ctx is canceled. A non-zero exit
// is returned as an error; there is no retry.
func RunCommand(ctx context.Context, c Command, logLine func(string)) error {
	if logLine == nil {
		logLine = func(string) {}
	}

	args := append([]string{c.Script}, c.Args...)
	cmd := exec.Command(c.Python, args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(os.Environ(), c.Device, c.LibraryPath, c.ExtraEnv)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", c.Script, err)
	}

	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-killed:
		}
	}()

	var mu sync.Mutex
	doneReading := make(chan struct{})
	totalReaders := 2
	doneCount := 0

	scanAndPush := func(pipe io.ReadCloser) {
		s := bufio.NewScanner(pipe)
		s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for s.Scan() {
			logLine(s.Text())
		}
		if err := s.Err(); err != nil && err != io.EOF {
			logLine(fmt.Sprintf("Error reading pipe: %s", err))
		}
		mu.Lock()
		doneCount++
		if doneCount == totalReaders {
			close(doneReading)
		}
		mu.Unlock()
	}

	go scanAndPush(stdoutPipe)
	go scanAndPush(stderrPipe)

	err = cmd.Wait()
	<-doneReading
	close(killed)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err != nil {
		return fmt.Errorf("%s: %w", c.Script, err)
	}
	return nil
}
