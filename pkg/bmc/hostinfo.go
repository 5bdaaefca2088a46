package bmc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ReadPosition obtains the BMC's slot position for the current release by
// running `fw_printenv -n bmc_position`. A non-zero exit status or
// unparseable output is a fatal configuration error.
func ReadPosition(ctx context.Context) (uint, error) {
	cmd := exec.CommandContext(ctx, "fw_printenv", "-n", "bmc_position")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("fw_printenv -n bmc_position failed: %w", err)
	}

	trimmed := strings.TrimSpace(stdout.String())
	position, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("fw_printenv -n bmc_position returned unparseable output %q: %w", trimmed, err)
	}

	return uint(position), nil
}

// FirmwareDigest computes the firmware-version digest: the VERSION_ID
// field out of /etc/os-release, quotes stripped, SHA-512 hashed, with the
// first four bytes of the hash rendered as 8 uppercase hex characters. This
// exact procedure must be preserved so two BMCs running the same firmware
// compute matching digests.
func FirmwareDigest(osReleasePath string) (string, error) {
	f, err := os.Open(osReleasePath)
	if err != nil {
		return "", fmt.Errorf("failed opening %s: %w", osReleasePath, err)
	}
	defer f.Close()

	var versionID string
	found := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			versionID = strings.Trim(value, `"'`)
			found = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed reading %s: %w", osReleasePath, err)
	}
	if !found {
		return "", fmt.Errorf("%s has no VERSION_ID field", osReleasePath)
	}

	sum := sha512.Sum512([]byte(versionID))
	return strings.ToUpper(hex.EncodeToString(sum[:4])), nil
}
