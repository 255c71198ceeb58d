package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/store"

	"github.com/google/uuid"
)

const meetingRetention = 90 * 24 * time.Hour

// Meeting is a booking stored in the key-value store
type Meeting struct {
	ID       string    `json:"id"`
	Phone    string    `json:"phone"`
	Name     string    `json:"name,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Date     string    `json:"date"`
	Time     string    `json:"time"`
	DID      string    `json:"did,omitempty"`
	BookedAt time.Time `json:"booked_at"`
}

func walletKey(phone string) string { return "wallet:" + phone }

func meetingKey(id string) string { return "meeting:" + id }

func slotKey(did, date, clock string) string { return "meeting_slot:" + did + ":" + date + "T" + clock }

func walletBalanceTool(kv store.Store) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "get_wallet_balance",
			Description: "Tell the caller how much credit is left in their wallet.",
			Parameters: objectSchema(map[string]interface{}{
				"phone": stringProperty("Wallet phone number, defaults to the calling number"),
			}),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				Phone string `json:"phone"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}

			phone := config.NormalizeNumber(args.Phone)
			if phone == "" {
				phone = config.NormalizeNumber(call.Caller)
			}
			if phone == "" {
				return Failure("no phone number to look up"), nil
			}

			var balance int64
			raw, err := kv.Get(ctx, walletKey(phone))
			switch {
			case errors.Is(err, errors.ErrNotFound):
			case err != nil:
				return Result{}, err
			default:
				balance, err = strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return Result{}, errors.Wrap(err, "corrupt wallet balance").WithField("phone", phone)
				}
			}

			return Result{
				Success: true,
				Message: fmt.Sprintf("wallet balance is %s", formatAmount(balance)),
				Data: map[string]interface{}{
					"phone":   phone,
					"balance": balance,
				},
			}, nil
		},
	}
}

func bookMeetingTool(kv store.Store) Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "book_meeting",
			Description: "Reserve a meeting slot for the caller.",
			Parameters: objectSchema(map[string]interface{}{
				"date":  stringProperty("Meeting date as YYYY-MM-DD"),
				"time":  stringProperty("Start time as HH:MM, 24 hour clock"),
				"name":  stringProperty("Caller's name"),
				"topic": stringProperty("What the meeting is about"),
				"phone": stringProperty("Contact number, defaults to the calling number"),
			}, "date", "time"),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				Date  string `json:"date" validate:"required,datetime=2006-01-02"`
				Time  string `json:"time" validate:"required,datetime=15:04"`
				Name  string `json:"name"`
				Topic string `json:"topic"`
				Phone string `json:"phone"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}
			if err := validateArguments(call.Name, &args); err != nil {
				return Result{}, err
			}

			meeting := Meeting{
				ID:       uuid.NewString(),
				Phone:    config.NormalizeNumber(args.Phone),
				Name:     args.Name,
				Topic:    args.Topic,
				Date:     args.Date,
				Time:     args.Time,
				BookedAt: time.Now().UTC(),
			}
			if meeting.Phone == "" {
				meeting.Phone = config.NormalizeNumber(call.Caller)
			}
			if call.Profile != nil {
				meeting.DID = call.Profile.DID
			}

			reserved, err := kv.SetNX(ctx, slotKey(meeting.DID, meeting.Date, meeting.Time), meeting.ID, meetingRetention)
			if err != nil {
				return Result{}, err
			}
			if !reserved {
				return Failure("that time slot is already booked, please choose another time"), nil
			}

			data, err := json.Marshal(meeting)
			if err != nil {
				return Result{}, errors.Wrap(err, "failed to encode meeting")
			}
			if err := kv.Set(ctx, meetingKey(meeting.ID), string(data), meetingRetention); err != nil {
				_ = kv.Delete(ctx, slotKey(meeting.DID, meeting.Date, meeting.Time))
				return Result{}, err
			}

			return Result{
				Success: true,
				Message: fmt.Sprintf("meeting booked for %s at %s", meeting.Date, meeting.Time),
				Data:    meeting,
			}, nil
		},
	}
}

func formatAmount(amount int64) string {
	if amount < 0 {
		return "-" + formatAmount(-amount)
	}
	s := strconv.FormatInt(amount, 10)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
