package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// OSAccounts: системные пользователи хоста (SSH-аккаунты)
type OSAccounts interface {
	Exists(username string) (bool, error)
	Create(ctx context.Context, username, password string, expiry time.Time) error
	Delete(ctx context.Context, username string) error
}

// LinuxAccounts работает через useradd/userdel, нужен root
type LinuxAccounts struct {
	Shell string
}

func (LinuxAccounts) Exists(username string) (bool, error) {
	_, err := user.Lookup(username)
	if err == nil {
		return true, nil
	}
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return false, fmt.Errorf("lookup %s: %w", username, err)
}

// Create заводит пользователя без домашнего каталога с датой истечения (точность: день).
// Пароль передаётся в useradd уже захешированным, в argv открытого текста нет.
func (a LinuxAccounts) Create(ctx context.Context, username, password string, expiry time.Time) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	shell := a.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	return run(ctx, "useradd", "-M", "-s", shell, "-e", expiry.UTC().Format("2006-01-02"), "-p", string(hash), username)
}

func (LinuxAccounts) Delete(ctx context.Context, username string) error {
	return run(ctx, "userdel", "-r", username)
}

func run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
