// Package auth — интерактивный логин радара через терминал. Реализует
// auth.UserAuthenticator поверх общего readline: код подтверждения, пароль
// 2FA, согласие с ToS и первичная регистрация читаются из той же консоли,
// где живёт операторский CLI.
package auth

import (
	"context"
	"strings"
	"syscall"

	"telegram-radar/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// readLine ставит приглашение в общий readline и читает одну строку.
func readLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

// TerminalAuthenticator собирает данные входа из терминала. Номер телефона
// известен заранее (PHONE_NUMBER из конфигурации) и не валидируется,
// ожидается E.164.
type TerminalAuthenticator struct {
	PhoneNumber string
}

// Phone возвращает номер из конфигурации без запроса к оператору.
func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code запрашивает у оператора код подтверждения, присланный Telegram.
func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine("Enter the code from Telegram: ")
}

// Password читает пароль 2FA без эха в терминал.
func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	pr.Print("Enter 2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	// После скрытого ввода курсор остаётся на той же строке.
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService показывает текст условий и ждёт явного "y".
func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp собирает имя и опциональную фамилию для незарегистрированного
// номера. Ошибка чтения фамилии регистрацию не блокирует.
func (t TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := readLine("Enter your last name (optional): ")
	return auth.UserInfo{
		FirstName: firstName,
		LastName:  lastName,
	}, nil
}
