package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"chroma_accord/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedEngine struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8094", "engine base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start engine in the same monitor process lifecycle")
	engineBinary := flag.String("engine-bin", "", "path to engine binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded engine")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedEngine
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedEngine(*addr, *engineBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded engine: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "engine health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	sessionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	sessionsTable.SetTitle("Sessions (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	movesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	movesView.SetTitle("Moves").SetBorder(true)

	offersView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	offersView.SetTitle("Offers").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	partyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	partyView.SetTitle("Parties").SetBorder(true)

	problemInput := tview.NewInputField().
		SetLabel("Problem file -> Engine: ")
	problemInput.SetBorder(true).SetTitle("Enter = create+run session")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus input, Ctrl+T focus sessions",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(movesView, 0, 2, false).
		AddItem(offersView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(partyView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(sessionsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(problemInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedSessionID string
	var lastSessions []domain.Session
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshSessions := func() {
		sessions, err := c.listSessions()
		if err != nil {
			app.QueueUpdateDraw(func() {
				sessionsTable.Clear()
				sessionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		})
		lastSessions = sessions
		app.QueueUpdateDraw(func() {
			renderSessionsTable(sessionsTable, sessions, selectedSessionID)
		})
	}

	refreshDetailsAsync := func(sessionID string) {
		if strings.TrimSpace(sessionID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			movesView.SetText("Loading...")
			offersView.SetText("Loading...")
			partyView.SetText("Loading...")
			decisionsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			type movesResult struct {
				items []domain.Move
				err   error
			}
			type offersResult struct {
				items []domain.Offer
				err   error
			}
			type partiesResult struct {
				items []domain.PartyState
				err   error
			}
			type decisionsResult struct {
				items []domain.DecisionLog
				err   error
			}

			movesCh := make(chan movesResult, 1)
			offersCh := make(chan offersResult, 1)
			partiesCh := make(chan partiesResult, 1)
			decisionsCh := make(chan decisionsResult, 1)

			go func() {
				items, err := c.listSessionMoves(selected)
				movesCh <- movesResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listSessionOffers(selected)
				offersCh <- offersResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listSessionParties(selected)
				partiesCh <- partiesResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listSessionDecisions(selected)
				decisionsCh <- decisionsResult{items: items, err: err}
			}()

			movesRes := <-movesCh
			offersRes := <-offersCh
			partiesRes := <-partiesCh
			decisionsRes := <-decisionsCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedSessionID {
					return
				}
				if movesRes.err != nil {
					movesView.SetText(fmt.Sprintf("error: %v", movesRes.err))
				} else {
					movesView.SetText(renderMoves(movesRes.items))
				}
				if offersRes.err != nil {
					offersView.SetText(fmt.Sprintf("error: %v", offersRes.err))
				} else {
					offersView.SetText(renderOffers(offersRes.items))
				}
				if partiesRes.err != nil {
					partyView.SetText(fmt.Sprintf("error: %v", partiesRes.err))
				} else {
					partyView.SetText(renderParties(selected, lastSessions, partiesRes.items))
				}
				if decisionsRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionsRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionsRes.items))
				}
			})
		}(sessionID, version)
	}

	submitProblem := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		setStatusUI("Creating session from problem file...")
		problemInput.SetText("")
		go func(input string) {
			sessionID, err := c.createAndRunSession(input)
			if err != nil {
				setStatusAsync("Failed to create/run session: " + err.Error())
				return
			}
			selectedSessionID = sessionID
			refreshSessions()
			refreshDetailsAsync(selectedSessionID)
			setStatusAsync("Session finished: " + sessionID)
		}(path)
	}

	problemInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitProblem(problemInput.GetText())
	})

	sessionsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastSessions) {
			return
		}
		selectedSessionID = lastSessions[row-1].ID
		refreshDetailsAsync(selectedSessionID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == problemInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(sessionsTable)
				setStatusUI("Focus -> sessions")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(sessionsTable)
			setStatusUI("Focus -> sessions")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshSessions()
			refreshDetailsAsync(selectedSessionID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(problemInput)
			setStatusUI("Focus -> input")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(sessionsTable)
			setStatusUI("Focus -> sessions")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			if app.GetFocus() == problemInput {
				app.SetFocus(sessionsTable)
			} else {
				app.SetFocus(problemInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(problemInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshSessions()
		for _, sess := range lastSessions {
			if sess.Status == domain.SessionStatusRunning {
				selectedSessionID = sess.ID
				break
			}
		}
		if selectedSessionID != "" {
			refreshDetailsAsync(selectedSessionID)
		}

		for range ticker.C {
			refreshSessions()
			if selectedSessionID == "" && len(lastSessions) > 0 {
				selectedSessionID = lastSessions[0].ID
			}
			refreshDetailsAsync(selectedSessionID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(problemInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedEngine(addr string, engineBinary string, dbPath string) (*embeddedEngine, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(engineBinary) != "" {
		cmd = exec.Command(engineBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "engine")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/engine", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	proc := &embeddedEngine{cmd: cmd}
	return proc, nil
}

func (e *embeddedEngine) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderSessionsTable(table *tview.Table, sessions []domain.Session, selectedSessionID string) {
	table.Clear()
	headers := []string{"Session", "Status", "Turn", "Updated", "Problem"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range sessions {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(s.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(s.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", s.Turn)))
		table.SetCell(row, 3, tview.NewTableCell(s.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(s.Problem, 48)))
		if s.ID == selectedSessionID {
			table.Select(row, 0)
		}
	}
}

func renderMoves(items []domain.Move) string {
	if len(items) == 0 {
		return "No moves"
	}
	var b strings.Builder
	for _, m := range items {
		b.WriteString(fmt.Sprintf(
			"t=%-3d %s -> %s  %s\n",
			m.Turn,
			m.From,
			m.To,
			m.Kind,
		))
		if len(m.Conditions) > 0 || len(m.Assignments) > 0 {
			b.WriteString("  " + renderOfferBody(m.Conditions, m.Assignments) + "\n")
		}
		if m.RefersTo != "" {
			b.WriteString("  refers: " + shortID(m.RefersTo) + "\n")
		}
		if len(m.ImpossibleConditions) > 0 || len(m.ImpossibleCombinations) > 0 {
			b.WriteString(fmt.Sprintf("  impossible: %d singles, %d combinations\n",
				len(m.ImpossibleConditions), len(m.ImpossibleCombinations)))
		}
		if m.Kind == domain.MoveFeasibilityResponse {
			b.WriteString(fmt.Sprintf("  feasible=%t penalty=%.0f %s\n",
				m.IsFeasible, m.FeasibilityPenalty, m.FeasibilityDetail))
		}
	}
	return b.String()
}

func renderOffers(items []domain.Offer) string {
	if len(items) == 0 {
		return "No offers"
	}
	var b strings.Builder
	for _, o := range items {
		b.WriteString(fmt.Sprintf(
			"%s %s -> %s  status=%s t=%d\n",
			shortID(o.ID),
			o.Sender,
			o.Recipient,
			o.Status,
			o.CreatedTurn,
		))
		b.WriteString("  " + renderOfferBody(o.Conditions, o.Assignments) + "\n")
	}
	return b.String()
}

func renderOfferBody(conditions []domain.Condition, assignments []domain.CommittedAssignment) string {
	var parts []string
	if len(conditions) > 0 {
		var cs []string
		for _, c := range conditions {
			cs = append(cs, c.Node+"="+c.Colour)
		}
		parts = append(parts, "if "+strings.Join(cs, ","))
	}
	if len(assignments) > 0 {
		var as []string
		for _, a := range assignments {
			as = append(as, a.Node+"="+a.Colour)
		}
		parts = append(parts, "then "+strings.Join(as, ","))
	}
	return strings.Join(parts, " ")
}

func renderParties(sessionID string, sessions []domain.Session, items []domain.PartyState) string {
	status := "unknown"
	for _, s := range sessions {
		if s.ID == sessionID {
			status = string(s.Status)
			break
		}
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Session: %s  status=%s\n", shortID(sessionID), status))
	if len(items) == 0 {
		b.WriteString("No live party state (session from an earlier process lifetime)\n")
		return b.String()
	}
	for _, p := range items {
		b.WriteString(fmt.Sprintf(
			"%-10s satisfied=%-5t penalty=%.0f\n",
			p.ID, p.Satisfied, p.Penalty,
		))
		b.WriteString("  assigned: " + renderColouring(p.Assignments) + "\n")
		if len(p.Beliefs) > 0 {
			b.WriteString("  believes: " + renderColouring(p.Beliefs) + "\n")
		}
	}
	return b.String()
}

func renderColouring(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func (c *client) createAndRunSession(problemPath string) (string, error) {
	createReq := map[string]any{
		"problem_path": problemPath,
		"run":          true,
	}
	var sess domain.Session
	if err := c.postJSON("/sessions", createReq, &sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (c *client) listSessions() ([]domain.Session, error) {
	var out []domain.Session
	if err := c.getJSON("/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSessionMoves(sessionID string) ([]domain.Move, error) {
	var out []domain.Move
	if err := c.getJSON(fmt.Sprintf("/sessions/%s/moves", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSessionOffers(sessionID string) ([]domain.Offer, error) {
	var out []domain.Offer
	if err := c.getJSON(fmt.Sprintf("/sessions/%s/offers", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSessionParties(sessionID string) ([]domain.PartyState, error) {
	var out []domain.PartyState
	if err := c.getJSON(fmt.Sprintf("/sessions/%s/parties", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSessionDecisions(sessionID string) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/sessions/%s/decisions", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
