package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/louhela/crateci/internal/util"
	"golang.org/x/crypto/ssh"
)

// StepExecutor runs a run's commands in its working directory, either
// over SSH on a build agent or locally on the controller machine.
type StepExecutor interface {
	// Prepare creates the run's fresh working directory.
	Prepare(ctx context.Context, dir string) error
	// ExecuteStep runs script in dir with env applied, streaming the
	// combined output line by line to outputCh until the command ends.
	ExecuteStep(
		ctx context.Context,
		dir, script string,
		env []string,
		timeout time.Duration,
		outputCh chan<- string,
	) error
	// ReadManifest returns the manifest file's content, or nil when the
	// repository has none.
	ReadManifest(ctx context.Context, dir, manifestPath string) []byte
	Close() error
}

func NewSSHExecutor(username, hostname string, privateKey []byte) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	auth := ssh.PublicKeys(signer)
	cc := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", util.SSHAddress(hostname), cc)
	if err != nil {
		return nil, err
	}
	return &SSHExecutor{client: client}, nil
}

type SSHExecutor struct {
	client *ssh.Client
}

func (e *SSHExecutor) Close() error {
	return e.client.Close()
}

func (e *SSHExecutor) Prepare(ctx context.Context, dir string) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run(fmt.Sprintf("mkdir -p %s", dir))
}

func (e *SSHExecutor) ReadManifest(ctx context.Context, dir, manifestPath string) []byte {
	sess, err := e.client.NewSession()
	if err != nil {
		return nil
	}
	defer sess.Close()
	output, err := sess.Output(fmt.Sprintf("cd %s && cat %s", dir, manifestPath))
	if err != nil {
		return nil
	}
	return output
}

func (e *SSHExecutor) ExecuteStep(
	ctx context.Context,
	dir, script string,
	env []string,
	timeout time.Duration,
	outputCh chan<- string,
) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return err
	}

	prefix := ""
	if len(env) > 0 {
		prefix = strings.Join(env, " ") + " "
	}
	cmd := fmt.Sprintf("cd %s && %s%s", dir, prefix, script)
	if err := sess.Start(cmd); err != nil {
		return errors.Join(fmt.Errorf("err starting command %s", cmd), err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			outputCh <- scanner.Text() + "\n"
		}
	})
	wg.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			outputCh <- scanner.Text() + "\n"
		}
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Wait()
	}()

	var stepErr error
	select {
	case <-timeoutCtx.Done():
		sess.Signal(ssh.SIGINT)
		if ctx.Err() != nil {
			stepErr = RunCancelError{Message: "step execution cancelled"}
		} else {
			stepErr = fmt.Errorf(
				"step execution timed out in %d seconds, script: '%s'",
				int(timeout.Seconds()),
				script,
			)
		}
	case err := <-doneCh:
		if err != nil {
			stepErr = errors.Join(fmt.Errorf("err waiting for command to finish %s", cmd), err)
		}
	}

	// closing the session ends the scanners; they must be drained before
	// the caller is free to close outputCh
	sess.Close()
	wg.Wait()

	if stepErr != nil {
		outputCh <- stepErr.Error() + "\n"
	}
	return stepErr
}

// NewLocalExecutor runs steps on the controller machine itself; used by
// agents that have no SSH credential.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

type LocalExecutor struct{}

func (e *LocalExecutor) Close() error { return nil }

func (e *LocalExecutor) Prepare(ctx context.Context, dir string) error {
	return os.MkdirAll(dir, os.ModePerm)
}

func (e *LocalExecutor) ReadManifest(ctx context.Context, dir, manifestPath string) []byte {
	b, err := os.ReadFile(filepath.Join(dir, manifestPath))
	if err != nil {
		return nil
	}
	return b
}

func (e *LocalExecutor) ExecuteStep(
	ctx context.Context,
	dir, script string,
	env []string,
	timeout time.Duration,
	outputCh chan<- string,
) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "sh", "-c", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return errors.Join(fmt.Errorf("err starting command %s", script), err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			outputCh <- scanner.Text() + "\n"
		}
	})
	wg.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			outputCh <- scanner.Text() + "\n"
		}
	})
	wg.Wait()

	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		message := "step execution cancelled"
		outputCh <- message + "\n"
		return RunCancelError{Message: message}
	case timeoutCtx.Err() != nil:
		timeoutErr := fmt.Errorf(
			"step execution timed out in %d seconds, script: '%s'",
			int(timeout.Seconds()),
			script,
		)
		outputCh <- timeoutErr.Error() + "\n"
		return timeoutErr
	}
	return err
}
