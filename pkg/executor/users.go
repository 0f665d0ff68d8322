package executor

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/hpcstack/nodemanager/pkg/log"
)

// windowsSystemAccount is the head node's account name for the Windows
// local system account, which is always mapped to the Linux root user.
const windowsSystemAccount = "NT AUTHORITY\\SYSTEM"

// createUser exit codes, per the original system's System::CreateUser
// contract: 0 means a new user was created, 9 means the user already
// existed (not an error), anything else is fatal.
const (
	createUserOK      = 0
	createUserExisted = 9
)

// resolveAndCreateUser implements spec.md §4.6.1 steps 1-2: decide which
// Linux user this job runs as, creating it if it doesn't already exist.
// Root is used in three cases: legacy callers with no username, an
// HPC/Windows administrator not mapped to a node-local user, and the
// Windows local system account (which has no Linux equivalent of its own).
func (e *Executor) resolveAndCreateUser(args StartJobAndTaskArgs) (userName string, existed bool, err error) {
	isAdmin := args.StartInfo.EnvironmentVariables["CCP_ISADMIN"] == "1"
	mapAdminUser := args.StartInfo.EnvironmentVariables["CCP_MAP_ADMIN_USER"] == "1"
	mapAdminToRoot := isAdmin && !mapAdminUser
	isWindowsSystemAccount := strings.EqualFold(args.UserName, windowsSystemAccount)

	if args.UserName == "" || mapAdminToRoot || isWindowsSystemAccount {
		return "root", true, nil
	}

	preserveDomain := args.StartInfo.EnvironmentVariables["CCP_PRESERVE_DOMAIN"] == "1"
	userName = args.UserName
	if !preserveDomain {
		userName = stripDomain(args.UserName)
	}
	if userName == "root" {
		userName = "hpc_faked_root"
	}

	logger := log.WithJob(args.JobID)

	ret, err := createUser(userName, args.Password, isAdmin)
	if err != nil {
		return "", false, fmt.Errorf("create user %s: %w", userName, err)
	}
	if ret != createUserOK && ret != createUserExisted {
		return "", false, fmt.Errorf("create user %s failed with error code %d", userName, ret)
	}

	logger.Debug().Str("user", userName).Int("return_code", ret).Msg("create user")

	return userName, ret == createUserExisted, nil
}

// stripDomain reduces "DOMAIN\user" or "user@domain" head-node identities
// to the bare local username Linux expects.
func stripDomain(name string) string {
	if i := strings.LastIndex(name, "\\"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	return name
}

// createUser shells out to useradd, returning a System::CreateUser-shaped
// return code: 0 created, 9 already existed, else the failing exit code.
func createUser(userName, password string, isAdmin bool) (int, error) {
	if _, err := user.Lookup(userName); err == nil {
		return createUserExisted, nil
	}

	args := []string{"-m", "-s", "/bin/bash"}
	if isAdmin {
		args = append(args, "-G", "sudo")
	}
	args = append(args, userName)

	cmd := exec.Command("useradd", args...)
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return -1, err
		}
		return exitErr.ExitCode(), nil
	}

	if password != "" {
		setPassword(userName, password)
	}

	return createUserOK, nil
}

func setPassword(userName, password string) {
	cmd := exec.Command("chpasswd")
	cmd.Stdin = strings.NewReader(userName + ":" + password + "\n")
	if err := cmd.Run(); err != nil {
		log.Error("set password for " + userName + " failed: " + err.Error())
	}
}

// lookupUser resolves userName's numeric uid/gid for the supervisor's
// credential drop.
func lookupUser(userName string) (uid, gid uint32, err error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, err
	}

	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	return uint32(uid64), uint32(gid64), nil
}

// homeDir returns userName's home directory.
func homeDir(userName string) (string, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}
