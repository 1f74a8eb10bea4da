package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"strconv"

	"github.com/reqdesk/reqdesk/internal/app"
	"github.com/reqdesk/reqdesk/internal/auth"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/store"
)

type commander struct {
	app      *app.Application
	out      io.Writer
	errOut   io.Writer
	jsonPath string
}

// ops exposes one typed collection through kind-independent functions.
type ops struct {
	list         func(ctx context.Context, params domain.ListParams) ([]domain.Entity, error)
	fetch        func(ctx context.Context, id string) (domain.Entity, error)
	create       func(ctx context.Context, raw []byte) (domain.Entity, error)
	changeStatus func(ctx context.Context, id string, s domain.Status) (domain.Entity, error)
	priority     func(ctx context.Context, id string, p domain.Priority) (domain.Entity, error)
	assign       func(ctx context.Context, id, userID string) (domain.Entity, error)
	remove       func(ctx context.Context, id string) error
}

// opsFor wraps c. Mutations only apply to cached entities, so each one
// loads its target first when this process has not seen it yet.
func opsFor[T domain.Entity](c *store.Collection[T]) ops {
	ensure := func(ctx context.Context, id string) error {
		if _, ok := c.Get(id); ok {
			return nil
		}
		_, err := c.Fetch(ctx, id)
		return err
	}
	return ops{
		list: func(ctx context.Context, params domain.ListParams) ([]domain.Entity, error) {
			if err := c.FetchAll(ctx, params); err != nil {
				return nil, err
			}
			items := c.List()
			if params.Status != "" {
				items = c.ByStatus(params.Status)
			}
			out := make([]domain.Entity, len(items))
			for i, e := range items {
				out[i] = e
			}
			return out, nil
		},
		fetch: func(ctx context.Context, id string) (domain.Entity, error) {
			return c.Fetch(ctx, id)
		},
		create: func(ctx context.Context, raw []byte) (domain.Entity, error) {
			var e T
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, errors.Validationf("invalid %s JSON: %v", c.Kind().Label(), err)
			}
			return c.Create(ctx, e)
		},
		changeStatus: func(ctx context.Context, id string, s domain.Status) (domain.Entity, error) {
			if err := ensure(ctx, id); err != nil {
				return nil, err
			}
			return c.ChangeStatus(ctx, id, s)
		},
		priority: func(ctx context.Context, id string, p domain.Priority) (domain.Entity, error) {
			if err := ensure(ctx, id); err != nil {
				return nil, err
			}
			return c.UpdatePriority(ctx, id, p)
		},
		assign: func(ctx context.Context, id, userID string) (domain.Entity, error) {
			if err := ensure(ctx, id); err != nil {
				return nil, err
			}
			return c.UpdateAssignee(ctx, id, userID)
		},
		remove: func(ctx context.Context, id string) error {
			if err := ensure(ctx, id); err != nil {
				return err
			}
			return c.Delete(ctx, id)
		},
	}
}

func (c *commander) opsFor(kindArg string) (ops, error) {
	kind, err := domain.ParseKind(kindArg)
	if err != nil {
		return ops{}, errors.Validation(err.Error())
	}
	st := c.app.Store
	switch kind {
	case domain.KindEpic:
		return opsFor(st.Epics), nil
	case domain.KindUserStory:
		return opsFor(st.UserStories), nil
	case domain.KindRequirement:
		return opsFor(st.Requirements), nil
	case domain.KindAcceptanceCriteria:
		return opsFor(st.AcceptanceCriteria), nil
	case domain.KindSteeringDocument:
		return opsFor(st.SteeringDocuments), nil
	}
	return ops{}, errors.Validationf("unknown kind %q", kindArg)
}

func need(args []string, n int, form string) error {
	if len(args) != n {
		return errors.Validationf("usage: %s", form)
	}
	return nil
}

func (c *commander) dispatch(ctx context.Context, command string, args []string) (interface{}, error) {
	switch command {
	case "whoami":
		return c.app.Session.User(), nil
	case "list":
		return c.list(ctx, args)
	case "get":
		if err := need(args, 2, "get <kind> <id>"); err != nil {
			return nil, err
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		return o.fetch(ctx, args[1])
	case "create":
		if err := need(args, 2, "create <kind> <json>"); err != nil {
			return nil, err
		}
		if err := c.app.Session.Require(auth.ActionEdit); err != nil {
			return nil, err
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		return o.create(ctx, []byte(args[1]))
	case "status":
		if err := need(args, 3, "status <kind> <id> <status>"); err != nil {
			return nil, err
		}
		if err := c.app.Session.Require(auth.ActionEdit); err != nil {
			return nil, err
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		return o.changeStatus(ctx, args[1], domain.Status(args[2]))
	case "priority":
		if err := need(args, 3, "priority <kind> <id> <1-4>"); err != nil {
			return nil, err
		}
		if err := c.app.Session.Require(auth.ActionEdit); err != nil {
			return nil, err
		}
		p, err := domain.ParsePriority(args[2])
		if err != nil {
			return nil, errors.Validation(err.Error())
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		return o.priority(ctx, args[1], p)
	case "assign":
		if err := need(args, 3, `assign <kind> <id> <user-id|"">`); err != nil {
			return nil, err
		}
		if err := c.app.Session.Require(auth.ActionEdit); err != nil {
			return nil, err
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		return o.assign(ctx, args[1], args[2])
	case "delete":
		if err := need(args, 2, "delete <kind> <id>"); err != nil {
			return nil, err
		}
		if err := c.app.Session.Require(auth.ActionDelete); err != nil {
			return nil, err
		}
		o, err := c.opsFor(args[0])
		if err != nil {
			return nil, err
		}
		if err := o.remove(ctx, args[1]); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": args[1]}, nil
	case "history":
		return c.history(ctx, args)
	case "recent":
		return c.recent(ctx, args)
	case "watch":
		return nil, c.watch(ctx)
	}
	return nil, errors.Validationf("unknown command %q", command)
}

func (c *commander) list(ctx context.Context, args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.Validation("usage: list <kind> [flags]")
	}
	o, err := c.opsFor(args[0])
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	status := fs.String("status", "", "only entities in this status")
	priority := fs.Int("priority", 0, "only entities with this priority (1-4)")
	assignee := fs.String("assignee", "", "only entities assigned to this user id")
	parent := fs.String("parent", "", "parent id (epic for stories, story for criteria)")
	search := fs.String("search", "", "full text search")
	limit := fs.Int("limit", 0, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, errors.Validation(err.Error())
	}

	params := domain.ListParams{
		Status:     domain.Status(*status),
		Priority:   domain.Priority(*priority),
		AssigneeID: *assignee,
		ParentID:   *parent,
		Search:     *search,
		Limit:      *limit,
		Offset:     *offset,
	}
	if params.Priority != 0 && !params.Priority.Valid() {
		return nil, errors.Validationf("priority must be between 1 and 4, got %d", *priority)
	}
	return o.list(ctx, params)
}

func (c *commander) history(ctx context.Context, args []string) (interface{}, error) {
	if err := need(args, 2, "history <kind> <id>"); err != nil {
		return nil, err
	}
	if c.app.Journal == nil {
		return nil, errors.Validation("history needs journal.dsn to be configured")
	}
	kind, err := domain.ParseKind(args[0])
	if err != nil {
		return nil, errors.Validation(err.Error())
	}
	return c.app.Journal.History(ctx, kind, args[1])
}

func (c *commander) recent(ctx context.Context, args []string) (interface{}, error) {
	if c.app.Journal == nil {
		return nil, errors.Validation("recent needs journal.dsn to be configured")
	}
	limit := 0
	if len(args) == 2 && args[0] == "-limit" {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, errors.Validationf("invalid limit %q", args[1])
		}
		limit = n
	} else if len(args) != 0 {
		return nil, errors.Validation("usage: recent [-limit n]")
	}
	return c.app.Journal.Recent(ctx, limit)
}

// watch fetches everything, then keeps the cache current through the
// configured background services until ctx ends.
func (c *commander) watch(ctx context.Context) error {
	if err := c.app.Store.FetchAll(ctx); err != nil {
		c.app.Logger().WithContext(ctx).WithError(err).Warn("Initial fetch incomplete")
	}
	c.app.Store.Observe(store.ObserverFunc(func(_ context.Context, ch store.Change) {
		if ch.Action == store.ActionSynced {
			return
		}
		_ = json.NewEncoder(c.out).Encode(map[string]interface{}{
			"kind":   ch.Kind,
			"action": ch.Action,
			"id":     ch.ID,
			"ref":    ch.ReferenceID,
			"at":     ch.At,
		})
	}))
	if err := c.app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.app.Stop(context.Background())
}
