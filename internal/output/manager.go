package output

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/downstack/downstack/internal/utils"
)

// Row is the display state of one download.
type Row struct {
	ID        string
	URL       string
	StackID   string
	Status    string // pending, active, success, error, cancelled
	Message   string
	Received  int64
	StartTime time.Time
	Index     int
}

type ErrorReport struct {
	URL   string
	Error error
	Time  time.Time
}

// Manager renders a live terminal view of in-flight downloads, one row
// per download, rewriting its block of lines on a ticker.
type Manager struct {
	rows        map[string]*Row
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	rowCount    int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		rows:        make(map[string]*Row),
		errors:      []ErrorReport{},
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// Register adds a row for a download and returns its id for updates.
func (m *Manager) Register(id, url, stackID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rowCount++
	m.rows[id] = &Row{
		ID:        id,
		URL:       url,
		StackID:   stackID,
		Status:    "pending",
		StartTime: time.Now(),
		Index:     m.rowCount,
	}
}

func (m *Manager) SetProgress(id string, received int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Status = "active"
		row.Received = received
	}
}

func (m *Manager) Complete(id string, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Status = "success"
		row.Message = message
	}
}

func (m *Manager) Cancelled(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Status = "cancelled"
		row.Message = "Cancelled"
	}
}

func (m *Manager) ReportError(id string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Status = "error"
		row.Message = err.Error()
		m.errors = append(m.errors, ErrorReport{URL: row.URL, Error: err, Time: time.Now()})
	}
}

// HasErrors reports whether any download failed.
func (m *Manager) HasErrors() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.errors) > 0
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.printErrorSummary()
}

func statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "cancelled":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortedRows() []*Row {
	rows := make([]*Row, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Index < rows[j].Index
	})
	return rows
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	termWidth, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || termWidth <= 0 {
		termWidth = 80
	}

	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	for _, row := range m.sortedRows() {
		var detail string
		switch row.Status {
		case "active":
			elapsed := time.Since(row.StartTime).Round(time.Second).Seconds()
			detail = debugStyle.Render(fmt.Sprintf("%s %s %s",
				utils.FormatBytes(uint64(row.Received)),
				StyleSymbols["bullet"],
				utils.FormatSpeed(row.Received, elapsed)))
		default:
			detail = debugStyle.Render(row.Message)
		}
		line := fmt.Sprintf("  %s %s %s", statusIndicator(row.Status), row.URL, detail)
		if len(line) > termWidth {
			line = line[:termWidth]
		}
		fmt.Println(line)
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) printErrorSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	PrintHeader("Errors")
	for _, report := range m.errors {
		fmt.Printf("  %s %s: %v\n", errorStyle.Render(StyleSymbols["fail"]), report.URL, report.Error)
	}
}
