package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/bidding"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/notify"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// Bids is the bidding surface the slash commands drive.
type Bids interface {
	SubmitBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (bidding.Result, error)
	Get(ctx context.Context, listingID string) (store.Listing, error)
	CreateListing(ctx context.Context, nl bidding.NewListing) (store.Listing, error)
	StartListing(ctx context.Context, listingID string) (store.Listing, error)
	EndListing(ctx context.Context, listingID string) (store.Listing, error)
}

// Users maps Discord accounts onto bidder ids.
type Users interface {
	ByDiscordID(discordID string) (notify.User, bool)
}

// Handlers process Discord interactions.
type Handlers struct {
	bids   Bids
	users  Users
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewHandlers creates new command handlers.
func NewHandlers(bids Bids, users Users, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Handlers {
	return &Handlers{
		bids:   bids,
		users:  users,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/bidsync/internal/bot/commands"),
		clock:  clk,
	}
}

func listingOption(desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "listing",
		Description: desc,
		Required:    true,
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "bid",
			Description: "Place a bid on a listing",
			Options: []*discordgo.ApplicationCommandOption{
				listingOption("Listing ID to bid on"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "amount",
					Description: "Bid amount, e.g. 12.50",
					Required:    true,
				},
			},
		},
		{
			Name:        "listing",
			Description: "Show the current state of a listing",
			Options: []*discordgo.ApplicationCommandOption{
				listingOption("Listing ID"),
			},
		},
		{
			Name:        "listing-create",
			Description: "Create a listing",
			Options: []*discordgo.ApplicationCommandOption{
				listingOption("Listing ID"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "title",
					Description: "Listing title",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "starting-bid",
					Description: "Starting bid, e.g. 10.00",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "duration",
					Description: "Minutes until the listing ends (default: no end)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "open",
					Description: "Accept bids immediately",
				},
			},
		},
		{
			Name:        "listing-start",
			Description: "Open a pending listing for bids",
			Options: []*discordgo.ApplicationCommandOption{
				listingOption("Listing ID to open"),
			},
		},
		{
			Name:        "listing-end",
			Description: "Close a listing",
			Options: []*discordgo.ApplicationCommandOption{
				listingOption("Listing ID to close"),
			},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	respond(s, i, h.Handle(context.Background(), data.Name, invoker(i), data.Options))
}

// Handle runs one command for the Discord user discordID and returns the reply.
func (h *Handlers) Handle(ctx context.Context, name, discordID string, opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	ctx, span := h.tracer.Start(ctx, "Handle",
		trace.WithAttributes(attribute.String("command", name)),
	)
	defer span.End()

	args := optionMap(opts)
	var reply string
	var err error
	switch name {
	case "bid":
		reply, err = h.handleBid(ctx, discordID, args)
	case "listing":
		reply, err = h.handleListing(ctx, args)
	case "listing-create":
		reply, err = h.handleCreate(ctx, args)
	case "listing-start":
		reply, err = h.handleStart(ctx, args)
	case "listing-end":
		reply, err = h.handleEnd(ctx, args)
	default:
		return "Unknown command"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.WarnContext(ctx, "discord command failed",
			slog.String("command", name),
			slog.String("discord_id", discordID),
			slog.Any("error", err),
		)
	}
	return reply
}

func (h *Handlers) handleBid(ctx context.Context, discordID string, args options) (string, error) {
	u, ok := h.users.ByDiscordID(discordID)
	if !ok {
		return "Your Discord account is not linked to a bidder.", nil
	}
	listingID := args.str("listing")
	amount, err := decimal.NewFromString(strings.TrimSpace(args.str("amount")))
	if err != nil {
		return fmt.Sprintf("Bid failed: %q is not an amount.", args.str("amount")), nil
	}

	res, err := h.bids.SubmitBid(ctx, listingID, u.ID, amount)
	var rej *bidding.RejectedError
	switch {
	case err == nil:
		return fmt.Sprintf("Bid of **%s** accepted on `%s` (version %d).",
			res.CurrentBid.StringFixed(2), listingID, res.Version), nil
	case errors.As(err, &rej):
		if errors.Is(err, bidding.ErrListingNotFound) {
			return fmt.Sprintf("Listing `%s` does not exist.", listingID), nil
		}
		return fmt.Sprintf("Bid rejected (%s): current bid on `%s` is **%s** at version %d.",
			bidding.ReasonCode(err), listingID, rej.CurrentBid.StringFixed(2), rej.Version), nil
	case errors.Is(err, bidding.ErrInvalidBid):
		return fmt.Sprintf("Bid rejected: %s", err), nil
	default:
		return "Bid failed, please try again.", err
	}
}

func (h *Handlers) handleListing(ctx context.Context, args options) (string, error) {
	l, err := h.bids.Get(ctx, args.str("listing"))
	if err != nil {
		return listingFailure("Lookup", args.str("listing"), err)
	}
	return describe(l), nil
}

func (h *Handlers) handleCreate(ctx context.Context, args options) (string, error) {
	starting, err := decimal.NewFromString(strings.TrimSpace(args.str("starting-bid")))
	if err != nil {
		return fmt.Sprintf("Create failed: %q is not an amount.", args.str("starting-bid")), nil
	}
	nl := bidding.NewListing{
		ID:          args.str("listing"),
		Title:       args.str("title"),
		StartingBid: starting,
		Active:      args.boolean("open"),
	}
	if mins := args.integer("duration"); mins > 0 {
		endsAt := h.clock.Now().Add(time.Duration(mins) * time.Minute)
		nl.EndsAt = &endsAt
	}

	l, err := h.bids.CreateListing(ctx, nl)
	if err != nil {
		return listingFailure("Create", nl.ID, err)
	}
	return "Created " + describe(l), nil
}

func (h *Handlers) handleStart(ctx context.Context, args options) (string, error) {
	l, err := h.bids.StartListing(ctx, args.str("listing"))
	if err != nil {
		return listingFailure("Start", args.str("listing"), err)
	}
	return fmt.Sprintf("Listing `%s` is open for bids from **%s**.", l.ID, l.StartingBid.StringFixed(2)), nil
}

func (h *Handlers) handleEnd(ctx context.Context, args options) (string, error) {
	l, err := h.bids.EndListing(ctx, args.str("listing"))
	if err != nil {
		return listingFailure("End", args.str("listing"), err)
	}
	if l.CurrentBidder == "" {
		return fmt.Sprintf("Listing `%s` closed with no bids.", l.ID), nil
	}
	return fmt.Sprintf("Listing `%s` closed. **%s** won with **%s**.",
		l.ID, l.CurrentBidder, l.CurrentBid.StringFixed(2)), nil
}

// listingFailure turns a listing operation error into a reply. Only
// unexpected errors are returned for logging.
func listingFailure(op, listingID string, err error) (string, error) {
	switch {
	case errors.Is(err, bidding.ErrListingNotFound), errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("Listing `%s` does not exist.", listingID), nil
	case errors.Is(err, bidding.ErrInvalidListing), errors.Is(err, bidding.ErrInvalidTransition):
		return fmt.Sprintf("%s failed: %s", op, err), nil
	default:
		return fmt.Sprintf("%s failed, please try again.", op), err
	}
}

func describe(l store.Listing) string {
	leader := "no bids yet"
	if l.CurrentBidder != "" {
		leader = "leader " + l.CurrentBidder
	}
	msg := fmt.Sprintf("**%s** (`%s`): %s, current bid **%s**, %s, version %d",
		l.Title, l.ID, l.Status, l.CurrentBid.StringFixed(2), leader, l.Version)
	if l.EndsAt != nil {
		msg += fmt.Sprintf(", ends <t:%d:R>", l.EndsAt.Unix())
	}
	return msg
}

func invoker(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	default:
		return ""
	}
}

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	m := make(options, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func (o options) str(name string) string {
	if opt, ok := o[name]; ok && opt.Type == discordgo.ApplicationCommandOptionString {
		return opt.StringValue()
	}
	return ""
}

func (o options) integer(name string) int64 {
	if opt, ok := o[name]; ok && opt.Type == discordgo.ApplicationCommandOptionInteger {
		return opt.IntValue()
	}
	return 0
}

func (o options) boolean(name string) bool {
	if opt, ok := o[name]; ok && opt.Type == discordgo.ApplicationCommandOptionBoolean {
		return opt.BoolValue()
	}
	return false
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
		},
	})
}
