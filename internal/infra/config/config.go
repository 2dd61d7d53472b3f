// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (радар подписок поверх MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных дефолтах,
//  4. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: радар слушает групповые чаты под пользовательским аккаунтом,
// прогоняет сообщения через каскад (лексика → эмбеддинги → LLM-верификатор) и
// рассылает уведомления подписчикам. Конфиг среды управляет подключением к
// Telegram API, адресами BGE/верификатора, порогами каскада, глубиной прогрева
// истории, лимитами скорости и логированием.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-radar/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учетные данные и файлы сессии для MTProto, пути хранилищ,
// адреса внешних сервисов каскада, пороги совпадения, ограничения по скорости и т. д.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	StateFile   string
	PeersDBFile string
	TestDC      bool
	LogLevel    string
	AppTimezone string
	// Консольная трассировка входящих апдейтов
	DebugUpdates bool
	// Хранилища радара
	DBFile   string
	MediaDir string
	// Доставка уведомлений
	Notifier       string
	BotToken       string
	SendRPS        int
	NotifyDelayMin int
	// Каскад сопоставления
	BGEURL               string
	BGETimeoutSec        int
	BGEHealthTTLSec      int
	VerifierURL          string
	VerifierToken        string
	VerifierModel        string
	VerifierTimeoutSec   int
	VerifierMaxRetries   int
	MatchThreshold       float64
	SemanticPosThreshold float64
	SemanticNegThreshold float64
	// Прогрев истории
	HistoryDepth        int
	HistoryChatDelaySec int
	HistoryMaxAttempts  int
	// Кэши и конвейер
	AlbumWindowSec    int
	SubCacheTTLSec    int
	MsgCachePerChat   int
	PipelineWorkers   int
	RescanVerifyLimit int
	DedupWindowSec    int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Автовыключение (сек, 0 = выключено)
	AppTimeoutSec int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфигурация
// не мутирует, блокировка остаётся на случай будущих перезагрузок.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultLogLevel    = "info"
	defaultSessionFile = "data/session.bin"
	defaultStateFile   = "data/state.json"
	defaultPeersDBFile = "data/peers.bbolt"
	defaultDBFile      = "data/radar.db"
	defaultMediaDir    = "data/media"
	defaultAppTimezone = "Europe/Moscow"

	defaultNotifier       = "client"
	defaultSendRPS        = 1
	defaultNotifyDelayMin = 5

	defaultBGETimeoutSec      = 10
	defaultBGEHealthTTLSec    = 60
	defaultVerifierTimeoutSec = 90
	defaultVerifierMaxRetries = 3
	defaultVerifierModel      = "gpt-4o-mini"

	defaultMatchThreshold       = 0.15
	defaultSemanticPosThreshold = 0.52
	defaultSemanticNegThreshold = 0.62

	defaultHistoryDepth        = 1000
	defaultHistoryChatDelaySec = 2
	defaultHistoryMaxAttempts  = 10

	defaultAlbumWindowSec    = 30
	defaultSubCacheTTLSec    = 60
	defaultMsgCachePerChat   = 2000
	defaultPipelineWorkers   = 8
	defaultRescanVerifyLimit = 24
	defaultDedupWindowSec    = 120

	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — глобальная таймзона приложения, разобранная из APP_TIMEZONE.
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	sessionFile := sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	peersDBFile := sanitizeFile("PEERS_DB_FILE", os.Getenv("PEERS_DB_FILE"), defaultPeersDBFile, &warnings)
	dbFile := sanitizeFile("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings)
	mediaDir := sanitizeFile("MEDIA_DIR", os.Getenv("MEDIA_DIR"), defaultMediaDir, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	debugUpdates := strings.EqualFold(strings.TrimSpace(os.Getenv("DEBUG_UPDATES")), "true")

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	notifier := sanitizeNotifier(botToken, os.Getenv("NOTIFIER"), &warnings)
	sendRPS := parseIntDefault("SEND_RPS", defaultSendRPS, greaterThanZero, &warnings)
	notifyDelayMin := parseIntDefault("NOTIFY_DELAY_MIN", defaultNotifyDelayMin, nonNegative, &warnings)

	bgeURL := strings.TrimSpace(os.Getenv("BGE_URL"))
	bgeTimeout := parseIntDefault("BGE_TIMEOUT_SEC", defaultBGETimeoutSec, greaterThanZero, &warnings)
	bgeHealthTTL := parseIntDefault("BGE_HEALTH_TTL_SEC", defaultBGEHealthTTLSec, greaterThanZero, &warnings)
	verifierURL := strings.TrimSpace(os.Getenv("VERIFIER_URL"))
	verifierToken := strings.TrimSpace(os.Getenv("VERIFIER_TOKEN"))
	verifierModel := sanitizeFile("VERIFIER_MODEL", os.Getenv("VERIFIER_MODEL"), defaultVerifierModel, &warnings)
	verifierTimeout := parseIntDefault("VERIFIER_TIMEOUT_SEC", defaultVerifierTimeoutSec, greaterThanZero, &warnings)
	verifierRetries := parseIntDefault("VERIFIER_MAX_RETRIES", defaultVerifierMaxRetries, nonNegative, &warnings)

	matchThreshold := parseFloatDefault("MATCH_THRESHOLD", defaultMatchThreshold, unitInterval, &warnings)
	semPos := parseFloatDefault("SEMANTIC_POS_THRESHOLD", defaultSemanticPosThreshold, unitInterval, &warnings)
	semNeg := parseFloatDefault("SEMANTIC_NEG_THRESHOLD", defaultSemanticNegThreshold, unitInterval, &warnings)

	historyDepth := parseIntDefault("HISTORY_DEPTH", defaultHistoryDepth, nonNegative, &warnings)
	historyChatDelay := parseIntDefault("HISTORY_CHAT_DELAY_SEC", defaultHistoryChatDelaySec, nonNegative, &warnings)
	historyMaxAttempts := parseIntDefault("HISTORY_MAX_ATTEMPTS", defaultHistoryMaxAttempts, greaterThanZero, &warnings)

	albumWindow := parseIntDefault("ALBUM_WINDOW_SEC", defaultAlbumWindowSec, greaterThanZero, &warnings)
	subCacheTTL := parseIntDefault("SUB_CACHE_TTL_SEC", defaultSubCacheTTLSec, greaterThanZero, &warnings)
	msgCachePerChat := parseIntDefault("MSG_CACHE_PER_CHAT", defaultMsgCachePerChat, greaterThanZero, &warnings)
	pipelineWorkers := parseIntDefault("PIPELINE_WORKERS", defaultPipelineWorkers, greaterThanZero, &warnings)
	rescanVerifyLimit := parseIntDefault("RESCAN_VERIFY_LIMIT", defaultRescanVerifyLimit, greaterThanZero, &warnings)
	dedupWindow := parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	appTimeout := parseIntDefault("APP_TIMEOUT", 0, nonNegative, &warnings)

	AppLocation, err = timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}

	env := EnvConfig{
		APIID:        apiID,
		APIHash:      apiHash,
		PhoneNumber:  phone,
		SessionFile:  sessionFile,
		StateFile:    stateFile,
		PeersDBFile:  peersDBFile,
		TestDC:       testDC,
		LogLevel:     logLevel,
		AppTimezone:  appTimezone,
		DebugUpdates: debugUpdates,

		DBFile:   dbFile,
		MediaDir: mediaDir,

		Notifier:       notifier,
		BotToken:       botToken,
		SendRPS:        sendRPS,
		NotifyDelayMin: notifyDelayMin,

		BGEURL:               bgeURL,
		BGETimeoutSec:        bgeTimeout,
		BGEHealthTTLSec:      bgeHealthTTL,
		VerifierURL:          verifierURL,
		VerifierToken:        verifierToken,
		VerifierModel:        verifierModel,
		VerifierTimeoutSec:   verifierTimeout,
		VerifierMaxRetries:   verifierRetries,
		MatchThreshold:       matchThreshold,
		SemanticPosThreshold: semPos,
		SemanticNegThreshold: semNeg,

		HistoryDepth:        historyDepth,
		HistoryChatDelaySec: historyChatDelay,
		HistoryMaxAttempts:  historyMaxAttempts,

		AlbumWindowSec:    albumWindow,
		SubCacheTTLSec:    subCacheTTL,
		MsgCachePerChat:   msgCachePerChat,
		PipelineWorkers:   pipelineWorkers,
		RescanVerifyLimit: rescanVerifyLimit,
		DedupWindowSec:    dedupWindow,

		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,

		AppTimeoutSec: appTimeout,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault читает name как float64 по тем же правилам, что parseIntDefault.
// Применяется к порогам каскада: некорректный порог не должен останавливать запуск.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %g", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative / unitInterval — простые валидаторы чисел.
// Используются в parse*Default, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool  { return v > 0 }
func nonNegative(v int) bool      { return v >= 0 }
func unitInterval(v float64) bool { return v >= 0 && v <= 1 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeNotifier выбирает канал доставки уведомлений (client|bot). Если
// BOT_TOKEN пуст, принудительно используется client. Некорректные значения
// приводятся к defaultNotifier с записью предупреждения.
func sanitizeNotifier(botToken, notifier string, warnings *[]string) string {
	n := strings.ToLower(strings.TrimSpace(notifier))
	if n == "" {
		appendWarningf(warnings, "env NOTIFIER is not set; using default %q", defaultNotifier)
		return defaultNotifier
	}
	if strings.TrimSpace(botToken) == "" && n != "client" {
		appendWarningf(warnings, "env NOTIFIER forced to %q because BOT_TOKEN is empty", defaultNotifier)
		return defaultNotifier
	}
	if n == "client" || n == "bot" {
		return n
	}
	appendWarningf(warnings, "env NOTIFIER value %q is invalid; using default %q", notifier, defaultNotifier)
	return defaultNotifier
}

// sanitizeFile возвращает валидное строковое значение конфигурации. Если переменная
// не задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", "APP_TIMEZONE", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
