package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/hpcstack/nodemanager/pkg/log"
)

// installSSHKeysIfNeeded implements spec.md §4.6.1 step 3: install the
// private key, derive and install the public key if the caller didn't
// supply one, and append it to authorized_keys. Keys are installed in
// three scenarios mirroring the original system: non-admin users, an
// admin mapped to a non-root user, and the Windows system account mapped
// to root — i.e. whenever the resolved user isn't an admin left as root.
func (e *Executor) installSSHKeysIfNeeded(args StartJobAndTaskArgs, userName string) (privateKeyAdded, publicKeyAdded, authKeyAdded bool, resolvedPublicKey string) {
	isAdmin := args.StartInfo.EnvironmentVariables["CCP_ISADMIN"] == "1"
	mapAdminUser := args.StartInfo.EnvironmentVariables["CCP_MAP_ADMIN_USER"] == "1"
	mapAdminToUser := isAdmin && mapAdminUser
	isWindowsSystemAccount := strings.EqualFold(args.UserName, windowsSystemAccount)

	shouldInstall := !isAdmin || mapAdminToUser || isWindowsSystemAccount
	if args.PrivateKey == "" || !shouldInstall {
		return false, false, false, args.PublicKey
	}

	logger := log.WithJob(args.JobID)

	home, err := homeDir(userName)
	if err != nil {
		logger.Warn().Err(err).Str("user", userName).Msg("resolve home directory for ssh key install failed")
		return false, false, false, args.PublicKey
	}

	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		logger.Warn().Err(err).Msg("create .ssh directory failed")
		return false, false, false, args.PublicKey
	}

	privateKeyAdded = writeKeyFile(filepath.Join(sshDir, "id_rsa"), args.PrivateKey, 0o600) == nil

	publicKey := args.PublicKey
	if privateKeyAdded && publicKey == "" {
		derived, derr := derivePublicKey(args.PrivateKey)
		if derr != nil {
			logger.Error().Err(derr).Msg("derive public key from private key failed")
		} else {
			publicKey = derived
		}
	}

	publicKeyAdded = privateKeyAdded && publicKey != "" && writeKeyFile(filepath.Join(sshDir, "id_rsa.pub"), publicKey, 0o644) == nil
	authKeyAdded = privateKeyAdded && publicKeyAdded && appendAuthorizedKey(filepath.Join(sshDir, "authorized_keys"), publicKey) == nil

	logger.Debug().Str("user", userName).
		Bool("private", privateKeyAdded).Bool("public", publicKeyAdded).Bool("auth", authKeyAdded).
		Msg("add ssh key result")

	if err := chownPath(sshDir, userName); err != nil {
		logger.Warn().Err(err).Msg("chown .ssh directory failed")
	}

	return privateKeyAdded, publicKeyAdded, authKeyAdded, publicKey
}

func writeKeyFile(path, content string, mode os.FileMode) error {
	return os.WriteFile(path, []byte(content), mode)
}

func appendAuthorizedKey(path, publicKey string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(publicKey + "\n")
	return err
}

// derivePublicKey computes the OpenSSH authorized_keys-format public key
// for privateKeyPEM, replacing the original system's `ssh-keygen -y -f`
// subprocess call with an in-process equivalent.
func derivePublicKey(privateKeyPEM string) (string, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

func chownPath(path, userName string) error {
	uid, gid, err := lookupUser(userName)
	if err != nil {
		return err
	}
	return os.Chown(path, int(uid), int(gid))
}

// removeSSHKeys deletes whichever of id_rsa / id_rsa.pub / authorized_keys
// entries EndJob's cleanup determined were installed for ju, leaving the
// user itself untouched.
func (e *Executor) removeSSHKeys(ju *jobUser) {
	logger := log.WithComponent("executor")

	home, err := homeDir(ju.UserName)
	if err != nil {
		logger.Warn().Err(err).Str("user", ju.UserName).Msg("resolve home directory for ssh key removal failed")
		return
	}
	sshDir := filepath.Join(home, ".ssh")

	if ju.PrivateKeyAdded {
		logger.Info().Str("user", ju.UserName).Msg("removing id_rsa")
		os.Remove(filepath.Join(sshDir, "id_rsa"))
	}
	if ju.PublicKeyAdded {
		logger.Info().Str("user", ju.UserName).Msg("removing id_rsa.pub")
		os.Remove(filepath.Join(sshDir, "id_rsa.pub"))
	}
	if ju.AuthKeyAdded {
		logger.Info().Str("user", ju.UserName).Msg("removing authorized_keys entry")
		removeAuthorizedKeyEntry(filepath.Join(sshDir, "authorized_keys"), ju.PublicKey)
	}
}

func removeAuthorizedKeyEntry(path, publicKey string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	lines := splitLines(string(raw))
	kept := lines[:0]
	for _, line := range lines {
		if line != publicKey {
			kept = append(kept, line)
		}
	}

	os.WriteFile(path, []byte(joinLines(kept)), 0o600)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		if l == "" {
			continue
		}
		out += l + "\n"
	}
	return out
}
