// Package lifecycle — порядок запуска и остановки узлов радара. Узлы радара
// зависят друг от друга не деревом, а графом: конвейер нельзя закрывать
// раньше диспетчера, менеджер апдейтов — раньше обработчиков, CLI живёт
// дольше всех. Менеджер строит иерархию контекстов, поднимает узлы с учётом
// зависимостей и гасит их строго в обратном порядке фактического старта.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"telegram-radar/internal/infra/logger"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится
// родительским для дочерних узлов; nil означает «использовать контекст,
// выданный менеджером». Ошибка помечает узел как failed.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел. Контекст узла к этому моменту уже отменён:
// реализациям, которым нужно время на дренирование, следует строить
// собственный дедлайн.
type StopFunc func(ctx context.Context) error

// nodeStatus — положение узла в жизненном цикле.
type nodeStatus int

const (
	statusRegistered nodeStatus = iota // зарегистрирован, не запускался
	statusStarting                     // запускается сам или ждёт зависимости
	statusRunning                      // работает, контекст активен
	statusStopping                     // контекст отменён, идёт StopFunc
	statusStopped                      // остановлен штатно
	statusFailed                       // ошибка старта или остановки
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager ведёт реестр узлов и фактический порядок их старта. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node // включая синтетический root
	startOrder []string         // нужен для обратной остановки
}

// New создаёт менеджер. Корневой узел сразу Running: он не настоящий сервис,
// а носитель rootCtx, от которого наследуются остальные. Nil-контекст
// заменяется на Background.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}

	rootNode := &node{
		name:   rootName,
		ctx:    rootCtx,
		status: statusRunning,
	}

	return &Manager{
		nodes: map[string]*node{
			rootName: rootNode,
		},
	}
}

// Register добавляет узел name с родителем parent (пусто — root) и списком
// deps, которые должны подняться раньше. Дубликаты в deps схлопываются,
// родитель из deps выбрасывается (он и так выше по иерархии), зависимость от
// самого себя — ошибка.
func (m *Manager) Register(name string, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, parentExists := m.nodes[parent]; !parentExists {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Compact(slices.Clone(deps))
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll поднимает все зарегистрированные узлы. Обход идёт по алфавиту для
// стабильных логов, но фактический порядок определяют зависимости: узел,
// поднятый как чья-то зависимость, в startOrder встаёт раньше. Ошибки
// отдельных узлов собираются в объединённую.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.startOrder)
	return errs
}

// startNode рекурсивно поднимает узел: сперва родителя и зависимости, затем
// сам узел на дочернем контексте родителя. Повторный вход в статус Starting
// означает цикл зависимостей.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}

	switch n.status { //nolint:exhaustive // прочие статусы проходят в Starting
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	}
	n.status = statusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	if n.parent != "" {
		if err := m.startNode(n.parent); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}
	for _, dep := range n.deps {
		if err := m.startNode(dep); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setNodeFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	finalCtx := childCtx

	if n.start != nil {
		if startedCtx, errStart := n.start(childCtx); errStart != nil {
			cancel()
			m.setNodeFailed(name, errStart)
			return errStart
		} else if startedCtx != nil && startedCtx != childCtx {
			// Узел вернул собственный контекст. Мост: отмена childCtx
			// должна гасить и его, иначе Shutdown не достанет поддерево.
			bridged, bridgedCancel := context.WithCancel(startedCtx)
			stopAfter := context.AfterFunc(childCtx, bridgedCancel)

			oldCancel := cancel
			cancel = func() {
				oldCancel()
				stopAfter()
				bridgedCancel()
			}
			finalCtx = bridged
		}
	}

	m.mu.Lock()
	n.ctx = finalCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	// Узел мог встать в startOrder раньше — как зависимость другого.
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)

	return nil
}

// Snapshot отдаёт карту «узел → состояние» для операторской команды status.
// Метки состояний стабильны и печатаются как есть.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.nodes))
	for name, n := range m.nodes {
		if name == rootName {
			continue
		}
		out[name] = n.status.String()
	}
	return out
}

func (s nodeStatus) String() string {
	switch s {
	case statusRegistered:
		return "registered"
	case statusStarting:
		return "starting"
	case statusRunning:
		return "running"
	case statusStopping:
		return "stopping"
	case statusStopped:
		return "stopped"
	case statusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// nodeContext возвращает контекст узла. Узел без контекста ещё не стартовал.
func (m *Manager) nodeContext(name string) (context.Context, error) {
	if name == "" {
		name = rootName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown гасит узлы в порядке, обратном фактическому старту: зависимые
// раньше зависимостей. Ошибки stop-хуков собираются в объединённую.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()
	logger.Debugf("shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := m.stopNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
		logger.Debugf("node %s stop processed", name)
	}
	return errs
}

// stopNode останавливает Running-узел: сначала отмена контекста как сигнал
// фоновым горутинам, затем StopFunc. Итог — Stopped либо Failed.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel := n.cancel
	stopFn := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)

	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

func (m *Manager) setNodeFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
