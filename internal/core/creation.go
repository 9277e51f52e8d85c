package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

// CreateRequest describes one droplet to create. Empty size, image and region
// take the configured defaults; a nil SSHKey means the first registered key.
type CreateRequest struct {
	Name     string
	Tags     []string
	SSHKey   *prov.SSHKey
	Size     string
	Image    string
	Region   string
	UserData string
	// CheckExisting fails the request when a droplet with the same name exists.
	CheckExisting bool
	// Install runs once the droplet is Ready.
	Install func(ctx context.Context, d *Droplet) error
}

// CreationState is a step of the creation protocol.
type CreationState int

const (
	StateRequested CreationState = iota
	StateVisible
	StateBootCompleting
	StateReady
	StateFailed
)

func (s CreationState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateVisible:
		return "visible"
	case StateBootCompleting:
		return "boot-completing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const bootProbe = "sudo cloud-init status --wait"

// creation drives one request through Requested, Visible, BootCompleting and
// Ready. Each transition has its own bound; any failure moves to Failed.
type creation struct {
	m       *Manager
	req     CreateRequest
	state   CreationState
	droplet *Droplet

	bootOutput  string
	readyOutput string
}

// CreateDroplet creates a droplet and waits until it accepts commands.
// Exactly one of the returned droplet and error is non-nil.
func (m *Manager) CreateDroplet(ctx context.Context, req CreateRequest) (*Droplet, error) {
	started := time.Now()
	c := &creation{m: m, req: req, state: StateRequested}
	d, err := c.run(ctx)
	m.metrics.ObserveOperation("create", started, err)
	if err != nil {
		log.Error().Err(err).Str("droplet", c.req.Name).Str("state", c.state.String()).Msg("Droplet creation failed")
		return nil, err
	}
	log.Info().Str("droplet", d.Name).Int64("id", d.ID).Dur("took", time.Since(started)).Msg("Droplet ready")
	return d, nil
}

func (c *creation) run(ctx context.Context) (*Droplet, error) {
	steps := []struct {
		next CreationState
		fn   func(context.Context) error
	}{
		{StateRequested, c.submit},
		{StateVisible, c.awaitVisible},
		{StateBootCompleting, c.awaitBoot},
		{StateReady, c.awaitReady},
	}
	for _, step := range steps {
		err := step.fn(ctx)
		c.m.metrics.ObserveStage(step.next.String(), err)
		if err != nil {
			c.state = StateFailed
			return nil, err
		}
		c.state = step.next
		log.Debug().Str("droplet", c.req.Name).Str("state", c.state.String()).Msg("Creation state changed")
	}

	if c.req.Install != nil {
		if err := c.req.Install(ctx, c.droplet); err != nil {
			log.Warn().Err(err).Str("droplet", c.droplet.Name).Msg("Install failed; droplet left running")
			return nil, &InstallError{Droplet: c.droplet, Err: err}
		}
	}
	return c.droplet, nil
}

// submit validates the request, resolves the SSH key and issues the create call.
func (c *creation) submit(ctx context.Context) error {
	req, err := c.prepare(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("droplet", req.Name).Str("size", req.Size).Str("region", req.Region).Strs("tags", req.Tags).Msg("Creating droplet")
	if err := c.m.cp.CreateDroplet(ctx, req); err != nil {
		return fmt.Errorf("create droplet %s: %w", req.Name, err)
	}
	return nil
}

func (c *creation) prepare(ctx context.Context) (prov.CreateDropletRequest, error) {
	name := NormalizeName(c.req.Name)
	if name != c.req.Name {
		log.Warn().Str("requested", c.req.Name).Str("name", name).Msg("Droplet names cannot contain underscores, replacing with dashes")
	}
	c.req.Name = name
	if name == "" {
		return prov.CreateDropletRequest{}, validation("name", name, "must not be empty")
	}
	c.req.Tags = mergeTags(c.m.defaults.Tags, c.req.Tags)
	for _, tag := range c.req.Tags {
		if !validTag(tag) {
			return prov.CreateDropletRequest{}, validation("tag", tag, "must be 1-255 letters, digits, ':', '-' or '_'")
		}
	}

	req := prov.CreateDropletRequest{
		Name:     name,
		Size:     firstNonEmpty(c.req.Size, c.m.defaults.Size),
		Image:    firstNonEmpty(c.req.Image, c.m.defaults.Image),
		Region:   firstNonEmpty(c.req.Region, c.m.defaults.Region),
		Tags:     slices.Clone(c.req.Tags),
		UserData: c.req.UserData,
	}
	if c.m.catalog != nil {
		if err := c.m.catalog.ValidateCreateRequest(req); err != nil {
			return req, err
		}
	}

	if c.req.CheckExisting {
		existing, err := c.m.FindDroplets(ctx, name, nil)
		if err != nil {
			return req, err
		}
		if len(existing) > 0 {
			return req, validation("name", name, "a droplet with this name already exists")
		}
	}

	key := c.req.SSHKey
	if key == nil {
		keys, err := c.m.cp.ListSSHKeys(ctx)
		if err != nil {
			return req, err
		}
		if len(keys) == 0 {
			return req, validation("ssh_key", "", "no ssh keys registered with the account")
		}
		key = &keys[0]
	}
	req.SSHFingerprint = key.Fingerprint
	return req, nil
}

// awaitVisible waits for the new droplet to show up in the fleet listing.
func (c *creation) awaitVisible(ctx context.Context) error {
	if err := sleepCtx(ctx, c.m.timeouts.Settle); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.m.timeouts.Visible)
	defer cancel()
	var lastErr error
	for {
		found, err := c.m.FindDroplets(wctx, c.req.Name, c.req.Tags)
		if err == nil && len(found) > 0 {
			// same-named droplets may exist; the newest has the highest id
			c.droplet = slices.MaxFunc(found, func(a, b *Droplet) int { return cmp.Compare(a.ID, b.ID) })
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if err := sleepCtx(wctx, c.m.timeouts.Poll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{
				Stage:   StateVisible.String(),
				Subject: c.req.Name,
				After:   c.m.timeouts.Visible.String(),
				Detail:  c.fleetDetail(ctx, lastErr),
			}
		}
	}
}

func (c *creation) fleetDetail(ctx context.Context, lastErr error) string {
	if lastErr != nil {
		return "last listing error: " + lastErr.Error()
	}
	all, err := c.m.ListDroplets(ctx)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(all))
	for _, d := range all {
		names = append(names, d.Name)
	}
	return "fleet: " + strings.Join(names, ", ")
}

// awaitBoot waits for cloud-init to finish. Transport errors are retried
// until the bound since sshd may not be accepting connections yet.
func (c *creation) awaitBoot(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, c.m.timeouts.Boot)
	defer cancel()
	for {
		res, err := c.droplet.Exec(wctx, bootProbe)
		if err == nil {
			c.bootOutput = strings.TrimSpace(res.Stdout + res.Stderr)
			if !res.OK() {
				log.Warn().Str("droplet", c.droplet.Name).Int("exit", res.ExitCode).Str("output", c.bootOutput).Msg("cloud-init reported a problem")
			}
			return nil
		}
		c.bootOutput = err.Error()
		if errors.Is(err, ErrNetwork) {
			return err
		}
		if err := sleepCtx(wctx, c.m.timeouts.Poll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{
				Stage:   StateBootCompleting.String(),
				Subject: c.droplet.Name,
				After:   c.m.timeouts.Boot.String(),
				Detail:  "cloud-init: " + c.bootOutput,
			}
		}
	}
}

// awaitReady polls the working directory until the login shell is usable.
func (c *creation) awaitReady(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, c.m.timeouts.Ready)
	defer cancel()
	for {
		res, err := c.droplet.Exec(wctx, "pwd")
		if err == nil {
			c.readyOutput = strings.TrimSpace(res.Stdout)
			if strings.Contains(res.Stdout, c.m.home) {
				return nil
			}
		} else {
			c.readyOutput = err.Error()
		}
		if err := sleepCtx(wctx, c.m.timeouts.Poll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{
				Stage:   StateReady.String(),
				Subject: c.droplet.Name,
				After:   c.m.timeouts.Ready.String(),
				Detail:  fmt.Sprintf("cloud-init: %s\npwd: %s", c.bootOutput, c.readyOutput),
			}
		}
	}
}

// validTag applies the provider's tag alphabet. Anything else, a comma in
// particular, would be split or rejected by the create call.
func validTag(tag string) bool {
	if tag == "" || len(tag) > 255 {
		return false
	}
	for _, r := range tag {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		case r == ':' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// mergeTags returns defaults followed by the request's own tags, without
// duplicates.
func mergeTags(defaults, tags []string) []string {
	out := make([]string, 0, len(defaults)+len(tags))
	for _, t := range slices.Concat(defaults, tags) {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
