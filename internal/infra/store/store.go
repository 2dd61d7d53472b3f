// Пакет store — персистентное состояние радара поверх SQLite (modernc.org/sqlite,
// без cgo). Здесь живут реестры (пользователи, подписки, чаты), журнал анализов
// с дедупликацией, факты уведомлений, совпадения для внешних потребителей,
// курсоры прогрева истории и очередь отложенных уведомлений.
//
// Бизнес-контекст: базу разделяют несколько поверхностей — движок радара пишет
// анализы и совпадения, бот и веб-админка заводят пользователей и подписки.
// Поэтому вставки журнала идемпотентны (INSERT OR IGNORE), схема эволюционирует
// версионными миграциями, а файл базы создаётся с приватными правами: в ней
// лежат тексты чужих сообщений.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store обслуживает все SQL-запросы радара. Пул соединений настроен под WAL:
// много читателей, один писатель; конкурентные писатели сериализуются
// busy_timeout-ом.
type Store struct {
	db *sql.DB
}

// Open создаёт (при необходимости) файл базы с приватными правами, открывает
// соединение, включает WAL/busy_timeout/foreign_keys и прогоняет миграции.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if err := ensurePrivateFile(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close закрывает пул соединений. Вызывается на останове приложения после
// того, как все фоновые писатели остановлены.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensurePrivateFile создаёт пустой файл базы с правами 0600, если его ещё нет.
// Существующий файл не трогается: менять права на живой базе опаснее, чем
// оставить как есть.
func ensurePrivateFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat database file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create database file: %w", err)
	}
	return f.Close()
}

// migration — один шаг эволюции схемы. Базовая схема применяется целиком из
// schema.sql (идемпотентно), шаги ниже докатывают изменения поверх неё.
type migration struct {
	version int
	name    string
	apply   func(db *sql.DB) error
}

// migrations — упорядоченный список шагов. Версия 1 соответствует базовой
// схеме и пустому шагу: факт её применения фиксируется записью в
// schema_migrations.
var migrations = []migration{
	{1, "initial_schema", func(db *sql.DB) error { return nil }},
}

// runMigrations применяет базовую схему и все шаги новее текущей версии.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			m.version, m.name,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// schemaVersion возвращает максимальную применённую версию схемы (0 для свежей базы).
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Stats — сводка по базе для операторской команды status.
type Stats struct {
	Users         int
	Subscriptions int // только активные
	Chats         int
	Analyses      int
	Matched       int // анализы с вердиктом matched
	Notified      int
	Deferred      int
}

// Stats собирает счётчики по основным таблицам одним проходом.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM users", &st.Users},
		{"SELECT COUNT(*) FROM subscriptions WHERE active = 1", &st.Subscriptions},
		{"SELECT COUNT(*) FROM chats", &st.Chats},
		{"SELECT COUNT(*) FROM analyses", &st.Analyses},
		{"SELECT COUNT(*) FROM analyses WHERE verdict = 'matched'", &st.Matched},
		{"SELECT COUNT(*) FROM notified", &st.Notified},
		{"SELECT COUNT(*) FROM deferred_notifications", &st.Deferred},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dst); err != nil {
			return Stats{}, fmt.Errorf("stats query %q: %w", r.query, err)
		}
	}
	return st, nil
}
