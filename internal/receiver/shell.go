package receiver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const maxOutputLen = 4000

// runShell executes command with sh and returns its combined output.
func runShell(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > maxOutputLen {
		output = output[:maxOutputLen] + "\n[output truncated]"
	}
	if err != nil {
		return "", fmt.Errorf("%s\n%w", output, err)
	}
	return output, nil
}
