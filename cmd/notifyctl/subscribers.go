package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"civicnotify/internal/app"
	"civicnotify/internal/types"
)

var validate = validator.New()

// subscribeResult shows the management token, which the subscriber JSON hides.
type subscribeResult struct {
	Subscriber      *types.Subscriber `json:"subscriber"`
	Created         bool              `json:"created"`
	ManagementToken string            `json:"management_token"`
}

func runSubscribe(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	sub, err := parseSubscriber(args)
	if err != nil {
		return err
	}
	created, err := a.Subscribers.Subscribe(ctx, &sub)
	if err != nil {
		return err
	}
	return printJSON(out, subscribeResult{Subscriber: &sub, Created: created, ManagementToken: sub.ManagementToken})
}

func runPreferences(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	email, change, err := parsePreferences(args)
	if err != nil {
		return err
	}
	sub, err := a.Subscribers.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	change.apply(sub)
	if err := a.Subscribers.UpdatePreferences(ctx, sub); err != nil {
		return err
	}
	return printJSON(out, sub)
}

func runUnsubscribe(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	email, token, err := parseUnsubscribe(args)
	if err != nil {
		return err
	}
	if token == "" {
		sub, err := a.Subscribers.GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		token = sub.ManagementToken
	} else if _, err := a.Subscribers.GetByToken(ctx, token); err != nil {
		return err
	}
	if err := a.Subscribers.Unsubscribe(ctx, token); err != nil {
		return err
	}
	fmt.Fprintln(out, "unsubscribed")
	return nil
}

func runForget(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Int64("id", 0, "Subscriber id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("--id is required")
	}
	sub, err := a.Subscribers.GetByID(ctx, *id)
	if err != nil {
		return err
	}
	if err := a.Subscribers.Delete(ctx, sub.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "subscriber %d deleted\n", sub.ID)
	return nil
}

type subscriberCount struct {
	Status      types.SubscriberStatus `json:"status,omitempty"`
	Count       int                    `json:"count"`
	Subscribers []types.Subscriber     `json:"subscribers,omitempty"`
}

func runSubscribers(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	status, limit, err := parseSubscriberQuery(args)
	if err != nil {
		return err
	}
	n, err := a.Subscribers.Count(ctx, status)
	if err != nil {
		return err
	}
	res := subscriberCount{Status: status, Count: n}
	if limit > 0 {
		if res.Subscribers, err = a.Subscribers.List(ctx, status, limit, 0); err != nil {
			return err
		}
	}
	return printJSON(out, res)
}

func parseSubscriber(args []string) (types.Subscriber, error) {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Email address")
	frequency := fs.String("frequency", "", "daily, weekly or monthly")
	news := fs.String("news", "", "Comma-separated news category ids")
	meetings := fs.String("meetings", "", "Comma-separated meeting category ids")
	if err := fs.Parse(args); err != nil {
		return types.Subscriber{}, err
	}

	freq, err := subscriberFrequency(*frequency)
	if err != nil {
		return types.Subscriber{}, err
	}
	sub := types.Subscriber{
		Name:              *name,
		Email:             *email,
		Frequency:         freq,
		NewsCategories:    types.ParseCategorySet(*news),
		MeetingCategories: types.ParseCategorySet(*meetings),
	}
	if err := validate.Struct(&sub); err != nil {
		return types.Subscriber{}, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid --email", err)
	}
	if len(sub.NewsCategories) == 0 && len(sub.MeetingCategories) == 0 {
		return types.Subscriber{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"at least one of --news or --meetings is required", nil)
	}
	return sub, nil
}

// preferenceChange holds the flags that were given; nil fields stay as stored.
type preferenceChange struct {
	name      *string
	frequency *types.Frequency
	news      *types.CategorySet
	meetings  *types.CategorySet
}

func (c preferenceChange) apply(s *types.Subscriber) {
	if c.name != nil {
		s.Name = *c.name
	}
	if c.frequency != nil {
		s.Frequency = *c.frequency
	}
	if c.news != nil {
		s.NewsCategories = *c.news
	}
	if c.meetings != nil {
		s.MeetingCategories = *c.meetings
	}
}

func parsePreferences(args []string) (string, preferenceChange, error) {
	fs := flag.NewFlagSet("preferences", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "Subscriber email address")
	name := fs.String("name", "", "Display name")
	frequency := fs.String("frequency", "", "daily, weekly or monthly")
	news := fs.String("news", "", "Comma-separated news category ids")
	meetings := fs.String("meetings", "", "Comma-separated meeting category ids")
	if err := fs.Parse(args); err != nil {
		return "", preferenceChange{}, err
	}
	if *email == "" {
		return "", preferenceChange{}, errors.New("--email is required")
	}

	var change preferenceChange
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			change.name = name
		case "frequency":
			var freq types.Frequency
			if freq, err = subscriberFrequency(*frequency); err == nil {
				change.frequency = &freq
			}
		case "news":
			set := types.ParseCategorySet(*news)
			change.news = &set
		case "meetings":
			set := types.ParseCategorySet(*meetings)
			change.meetings = &set
		}
	})
	if err != nil {
		return "", preferenceChange{}, err
	}
	if change == (preferenceChange{}) {
		return "", preferenceChange{}, errors.New("nothing to change")
	}
	return *email, change, nil
}

func parseUnsubscribe(args []string) (email, token string, err error) {
	fs := flag.NewFlagSet("unsubscribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&email, "email", "", "Subscriber email address")
	fs.StringVar(&token, "token", "", "Management token from an email link")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}
	if (email == "") == (token == "") {
		return "", "", errors.New("exactly one of --email or --token is required")
	}
	return email, token, nil
}

func parseSubscriberQuery(args []string) (types.SubscriberStatus, int, error) {
	fs := flag.NewFlagSet("subscribers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "active or inactive; empty counts everyone")
	limit := fs.Int("limit", 0, "Also list up to this many, newest first")
	if err := fs.Parse(args); err != nil {
		return "", 0, err
	}
	st := types.SubscriberStatus(*status)
	switch st {
	case "", types.SubscriberActive, types.SubscriberInactive:
	default:
		return "", 0, fmt.Errorf("invalid --status %q", *status)
	}
	if *limit < 0 {
		return "", 0, errors.New("--limit must not be negative")
	}
	return st, *limit, nil
}

func subscriberFrequency(raw string) (types.Frequency, error) {
	freq, ok := types.ParseFrequency(raw)
	if !ok || freq == types.FrequencyAll {
		return "", types.NewAppError(types.ErrCodeValidationFrequency,
			fmt.Sprintf("invalid --frequency %q (daily, weekly or monthly)", raw), nil)
	}
	return freq, nil
}
