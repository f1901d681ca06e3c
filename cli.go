package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"todo-timer/backup"
	"todo-timer/domain"
	"todo-timer/livequery"
	"todo-timer/storage"
	"todo-timer/timer"
	"todo-timer/views"
)

// cli is the thin interactive collaborator over the store. All invariants
// live below it; this layer only parses lines and prints results.
type cli struct {
	store       *storage.Cache
	engine      *livequery.Engine
	coordinator *timer.Coordinator
	logger      *log.Logger
	in          *bufio.Scanner
	out         io.Writer
	owner       string
	settings    domain.Settings
}

func newCLI(store *storage.Cache, engine *livequery.Engine, coordinator *timer.Coordinator, logger *log.Logger) *cli {
	return &cli{
		store:       store,
		engine:      engine,
		coordinator: coordinator,
		logger:      logger,
		in:          bufio.NewScanner(os.Stdin),
		out:         os.Stdout,
		settings:    loadSettings(),
	}
}

func loadSettings() domain.Settings {
	s := domain.DefaultSettings()
	if viper.IsSet("pageSize") {
		s.PageSize = viper.GetInt("pageSize")
	}
	if viper.IsSet("showCompletedTasks") {
		s.ShowCompleted = viper.GetBool("showCompletedTasks")
	}
	return s
}

func (c *cli) Run() error {
	if err := c.onboard(); err != nil {
		return err
	}

	ctx := context.Background()
	if sess, running, err := c.coordinator.Active(ctx, c.owner); err == nil && running {
		// A leftover in-progress session is resumable, not discarded.
		fmt.Fprintf(c.out, "Resuming timer for %q (%s elapsed)\n",
			sess.TodoTitle, views.FormatDuration(sess.Elapsed(time.Now())))
	}

	fmt.Fprintf(c.out, "Hi %s! Type 'help' for commands.\n", c.owner)
	for {
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			return c.in.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}
		if err := c.dispatch(ctx, args); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *cli) onboard() error {
	name := viper.GetString("userName")
	for strings.TrimSpace(name) == "" {
		fmt.Fprint(c.out, "What's your name? ")
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return err
			}
			return errors.New("no name provided")
		}
		name = strings.TrimSpace(c.in.Text())
	}
	viper.Set("userName", name)
	if err := viper.WriteConfig(); err != nil {
		return fmt.Errorf("persist user name: %w", err)
	}
	c.owner = name
	return nil
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "help":
		c.printHelp()
		return nil
	case "add":
		return c.add(ctx, args[1:])
	case "list":
		return c.list(ctx, args[1:])
	case "find":
		return c.find(ctx, args[1:])
	case "toggle":
		return c.toggle(ctx, args[1:])
	case "del":
		return c.del(ctx, args[1:])
	case "due":
		return c.due(ctx, args[1:])
	case "move":
		return c.move(ctx, args[1:])
	case "start":
		return c.start(ctx, args[1:])
	case "stop":
		return c.stop(ctx)
	case "status":
		return c.status(ctx)
	case "today":
		return c.history(ctx, 0)
	case "yesterday":
		return c.history(ctx, -1)
	case "summary":
		return c.summary(ctx)
	case "watch":
		return c.watch(ctx)
	case "export":
		return c.export(ctx, args[1:])
	case "import":
		return c.importFile(ctx, args[1:])
	case "newday":
		return c.newDay()
	case "reset":
		return c.reset(ctx)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func (c *cli) printHelp() {
	fmt.Fprintln(c.out, `commands:
  add <title>          create a task
  list [filter] [page] list tasks (filter: all|active|completed)
  find <text>          search tasks by title
  toggle <id>          flip completion
  del <id>             delete a task
  due <id> <date>      set due date (2006-01-02)
  move <id> <pos>      move a task to a zero-based position
  start <id>           start the timer on a task
  stop                 stop the timer, record the session
  status               show the running timer
  today | yesterday    session history for a day
  summary              end-of-day summary
  watch                follow task/record changes (Enter to stop)
  export [file]        write a backup file
  import <file>        replace data from a backup file
  newday               keep data, clear the saved name
  reset                delete everything for this user
  quit                 leave`)
}

func (c *cli) add(ctx context.Context, args []string) error {
	task, err := c.store.AddTask(ctx, c.owner, strings.Join(args, " "), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "added #%d %q at position %d\n", task.ID, task.Title, task.Order)
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	filter := views.TaskFilter{Status: views.StatusAll}
	page := 1
	for _, a := range args {
		switch a {
		case "all", "active", "completed":
			filter.Status = views.Status(a)
		default:
			n, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("bad argument %q", a)
			}
			page = n
		}
	}
	if !c.settings.ShowCompleted && filter.Status == views.StatusAll {
		filter.Status = views.StatusActive
	}

	tasks, err := c.store.TasksByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	filtered := views.FilterTasks(tasks, filter)
	pageTasks, pages := views.Page(filtered, page, c.settings.PageSize)
	c.printTasks(pageTasks)
	fmt.Fprintf(c.out, "page %d/%d (%d tasks)\n", page, pages, len(filtered))
	return nil
}

func (c *cli) find(ctx context.Context, args []string) error {
	tasks, err := c.store.TasksByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	c.printTasks(views.FilterTasks(tasks, views.TaskFilter{Status: views.StatusAll, Search: strings.Join(args, " ")}))
	return nil
}

func (c *cli) printTasks(tasks []domain.Task) {
	for day, group := range views.GroupTasksByDay(tasks) {
		fmt.Fprintf(c.out, "%s\n", day)
		for _, task := range group {
			mark := " "
			if task.Completed {
				mark = "x"
			}
			fmt.Fprintf(c.out, "  [%s] #%d %s\n", mark, task.ID, task.Title)
		}
	}
}

func (c *cli) toggle(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	completed := !task.Completed
	return c.store.UpdateTask(ctx, id, domain.TaskPatch{Completed: &completed})
}

func (c *cli) del(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	return c.store.DeleteTask(ctx, id)
}

func (c *cli) due(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: due <id> <2006-01-02>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad id %q", args[0])
	}
	day, err := time.ParseInLocation("2006-01-02", args[1], time.Local)
	if err != nil {
		return fmt.Errorf("bad date %q", args[1])
	}
	return c.store.UpdateTask(ctx, id, domain.TaskPatch{DueDate: &day})
}

// move reorders the owner's complete task set so order values stay dense.
func (c *cli) move(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: move <id> <position>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad id %q", args[0])
	}
	pos, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad position %q", args[1])
	}

	tasks, err := c.store.TasksByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		if task.ID != id {
			ids = append(ids, task.ID)
		}
	}
	if len(ids) == len(tasks) {
		return fmt.Errorf("no task #%d", id)
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(ids) {
		pos = len(ids)
	}
	ids = append(ids[:pos], append([]int64{id}, ids[pos:]...)...)
	return c.store.Reorder(ctx, c.owner, ids)
}

func (c *cli) start(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	sess, err := c.coordinator.Start(ctx, c.owner, id)
	if errors.Is(err, timer.ErrAlreadyRunning) {
		// The running timer wins; nothing is queued or replaced.
		fmt.Fprintln(c.out, "a timer is already running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "timing %q\n", sess.TodoTitle)
	return nil
}

func (c *cli) stop(ctx context.Context) error {
	rec, err := c.coordinator.Stop(ctx, c.owner)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(c.out, "no timer running")
		return nil
	}
	fmt.Fprintf(c.out, "recorded %s on %q\n", views.FormatDuration(rec.Duration), rec.TodoTitle)
	return nil
}

func (c *cli) status(ctx context.Context) error {
	sess, running, err := c.coordinator.Active(ctx, c.owner)
	if err != nil {
		return err
	}
	if !running {
		fmt.Fprintln(c.out, "idle")
		return nil
	}
	fmt.Fprintf(c.out, "%s on %q\n", views.FormatDuration(sess.Elapsed(time.Now())), sess.TodoTitle)
	return nil
}

func (c *cli) history(ctx context.Context, dayOffset int) error {
	records, err := c.store.RecordsByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	day := time.Now().AddDate(0, 0, dayOffset)
	dayRecords := views.RecordsForDay(records, day)
	for _, rec := range dayRecords {
		title := rec.TodoTitle
		if title == "" {
			title = "(no task)"
		}
		fmt.Fprintf(c.out, "%s  %s  %s\n",
			rec.CreatedAt.Format("15:04:05"), views.FormatDuration(rec.Duration), title)
	}
	fmt.Fprintf(c.out, "total: %s\n", views.FormatDuration(views.TotalDuration(dayRecords)))
	return nil
}

func (c *cli) summary(ctx context.Context) error {
	tasks, err := c.store.TasksByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	records, err := c.store.RecordsByOwner(ctx, c.owner)
	if err != nil {
		return err
	}
	s := views.BuildDaySummary(c.owner, time.Now(), tasks, records)
	fmt.Fprintf(c.out, "%s: completed %d/%d tasks, %s tracked\n",
		s.Date.Format("January 2, 2006"), s.CompletedTasks, s.TotalTasks, views.FormatDuration(s.TotalDuration))
	c.printTasks(s.Tasks)
	return nil
}

// watch follows the live task and record queries until the next Enter.
func (c *cli) watch(ctx context.Context) error {
	owner := c.owner
	query := func(ctx context.Context) (any, error) {
		tasks, err := c.store.TasksByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		records, err := c.store.RecordsByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		return views.BuildDaySummary(owner, time.Now(), tasks, records), nil
	}

	current, sub, err := c.engine.Subscribe(ctx, query, storage.CollectionTasks, storage.CollectionRecords)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	printSummary := func(v any) {
		if s, ok := v.(views.DaySummary); ok {
			fmt.Fprintf(c.out, "[watch] %d/%d tasks done, %s tracked\n",
				s.CompletedTasks, s.TotalTasks, views.FormatDuration(s.TotalDuration))
		}
	}
	printSummary(current)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case v := <-sub.Updates():
				printSummary(v)
			}
		}
	}()

	c.in.Scan()
	close(done)
	return c.in.Err()
}

func (c *cli) export(ctx context.Context, args []string) error {
	payload, err := backup.Export(ctx, c.store, c.owner)
	if err != nil {
		return err
	}
	data, err := backup.Encode(payload)
	if err != nil {
		return err
	}
	name := backup.Filename(c.owner, time.Now())
	if len(args) > 0 {
		name = args[0]
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "exported to %s\n", name)
	return nil
}

func (c *cli) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: import <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	owner, err := backup.Import(ctx, c.store, data, c.logger)
	if err != nil {
		return err
	}
	viper.Set("userName", owner)
	if err := viper.WriteConfig(); err != nil {
		return err
	}
	c.owner = owner
	fmt.Fprintf(c.out, "imported data for %s\n", owner)
	return nil
}

// newDay keeps the stored data but clears the saved identity, so the next
// launch prompts for a name again.
func (c *cli) newDay() error {
	viper.Set("userName", "")
	return viper.WriteConfig()
}

func (c *cli) reset(ctx context.Context) error {
	if err := c.store.DeleteOwnerData(ctx, c.owner); err != nil {
		return err
	}
	viper.Set("userName", "")
	if err := viper.WriteConfig(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "all data removed")
	return c.onboard()
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a task id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", args[0])
	}
	return id, nil
}
