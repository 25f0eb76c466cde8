package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
	"ghlbridge/internal/models"
	"ghlbridge/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newWorkflowFixture() (*WorkflowExecutor, *fixture) {
	f := newFixture(nil)
	platforms := staticPlatforms{platform: f.platform}
	e := NewWorkflowExecutor(f.store, platforms, staticMessengers{messenger: f.messenger}, NewContactResolver(platforms), f.echoes, f.events)
	return e, f
}

func TestWorkflowDataInfersKind(t *testing.T) {
	tests := []struct {
		name string
		data WorkflowData
		want WorkflowKind
	}{
		{"text", WorkflowData{Message: "hi"}, KindText},
		{"file", WorkflowData{URL: "https://x/a.pdf", FileName: "a.pdf"}, KindFile},
		{"interactive", WorkflowData{Button1Type: "url", Button1Text: "Visit", Button1Value: "https://x"}, KindInteractiveButtons},
		{"reply", WorkflowData{Button1Text: "Yes", Button2Text: "No"}, KindReplyButtons},
		{"explicit", WorkflowData{Kind: KindReplyButtons, Buttons: []WorkflowButton{{Text: "A"}}}, KindReplyButtons},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.data.Payload().Kind)
		})
	}

	p := WorkflowData{Message: "Pick one", Button1Text: "Yes", Button1Type: "", Button3Text: "No"}.Payload()
	assert.Equal(t, []WorkflowButton{{Text: "Yes"}, {Text: "No"}}, p.Buttons)
	assert.Equal(t, "Pick one", p.Body)
}

func TestWorkflowPayloadValidation(t *testing.T) {
	ctx := context.Background()
	tooMany := []WorkflowButton{{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"}}

	invalid := map[string]*WorkflowPayload{
		"no instance":      {Kind: KindText, Message: "hi"},
		"empty text":       {Kind: KindText, InstanceID: 1},
		"file without url": {Kind: KindFile, InstanceID: 1, FileName: "a.pdf"},
		"file bad url":     {Kind: KindFile, InstanceID: 1, URL: "not a url", FileName: "a.pdf"},
		"no buttons":       {Kind: KindReplyButtons, InstanceID: 1, Body: "b"},
		"too many buttons": {Kind: KindReplyButtons, InstanceID: 1, Body: "b", Buttons: tooMany},
		"bad button type":  {Kind: KindInteractiveButtons, InstanceID: 1, Buttons: []WorkflowButton{{Type: "sms", Text: "x", Value: "1"}}},
		"url without value": {Kind: KindInteractiveButtons, InstanceID: 1,
			Buttons: []WorkflowButton{{Type: ButtonURL, Text: "Visit"}}},
		"unknown kind": {Kind: "video", InstanceID: 1},
	}
	for name, p := range invalid {
		t.Run(name, func(t *testing.T) {
			var validationErr *errs.ValidationError
			assert.ErrorAs(t, p.Validate(ctx), &validationErr)
		})
	}

	valid := &WorkflowPayload{Kind: KindInteractiveButtons, InstanceID: 1, Body: "b",
		Buttons: []WorkflowButton{{Type: ButtonCopy, Text: "Code", Value: "X1"}, {Type: ButtonCall, Text: "Call", Value: "+100"}}}
	assert.NoError(t, valid.Validate(ctx))
}

func TestWorkflowInteractiveButtonsSentWithTranscript(t *testing.T) {
	e, f := newWorkflowFixture()
	ctx := context.Background()

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.messenger.On("SendInteractiveButtons", mock.Anything, greenapi.InteractiveButtons{
		ChatID:  "79001234567@c.us",
		Body:    "Our site",
		Buttons: []greenapi.InteractiveButton{{Type: "url", ButtonID: "1", ButtonText: "Visit", URL: "https://x"}},
	}).Return(&greenapi.SendResponse{IDMessage: "wa-9"}, nil).Once()
	f.platform.On("PostOutboundMessage", mock.Anything, "contact-1", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "Visit (https://x)") && strings.HasSuffix(msg, EchoMarker)
	})).Return(&ghl.MessageResponse{MessageID: "ghl-transcript"}, nil).Once()

	p := WorkflowData{InstanceID: 1101, Message: "Our site", Button1Type: "url", Button1Text: "Visit", Button1Value: "https://x"}.Payload()
	res, err := e.Execute(ctx, "loc-1", "+79001234567", "contact-1", p)
	require.NoError(t, err)

	assert.Equal(t, &WorkflowResult{MessageID: "wa-9", PlatformMessageID: "ghl-transcript"}, res)
	assert.True(t, f.echoes.IsEcho("ghl-transcript", ""), "transcript id must be registered as an echo")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, queue.EventWorkflowAction, f.events.events[0].Type)
	f.messenger.AssertExpectations(t)
	f.platform.AssertExpectations(t)
}

func TestWorkflowTranscriptFailureIsAWarning(t *testing.T) {
	e, f := newWorkflowFixture()

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.messenger.On("SendMessage", mock.Anything, "79001234567@c.us", "hello").Return(&greenapi.SendResponse{IDMessage: "wa-1"}, nil)
	expectUntaggedContact(f)
	f.platform.On("PostOutboundMessage", mock.Anything, "contact-1", "hello"+EchoMarker).
		Return(nil, &errs.UpstreamError{Service: "highlevel", Status: 500, Body: "down"})

	res, err := e.Execute(context.Background(), "loc-1", "79001234567", "", &WorkflowPayload{Kind: KindText, InstanceID: 1101, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "wa-1", res.MessageID)
	assert.Contains(t, res.Warning, "could not be recorded")
	assert.Empty(t, res.PlatformMessageID)
}

func TestWorkflowReplyButtonsAndFile(t *testing.T) {
	e, f := newWorkflowFixture()
	ctx := context.Background()

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	f.platform.On("PostOutboundMessage", mock.Anything, "contact-1", mock.Anything).Return(&ghl.MessageResponse{MessageID: "t"}, nil)
	f.messenger.On("SendInteractiveButtonsReply", mock.Anything, greenapi.ReplyButtons{
		ChatID:  "79001234567@c.us",
		Body:    "Continue?",
		Buttons: []greenapi.ReplyButton{{ButtonID: "1", ButtonText: "Yes"}, {ButtonID: "2", ButtonText: "No"}},
	}).Return(&greenapi.SendResponse{IDMessage: "wa-r"}, nil)
	f.messenger.On("SendFileByURL", mock.Anything, "79001234567@c.us",
		greenapi.FileRef{URL: "https://files.example/a.pdf", FileName: "a.pdf"}, "Invoice").
		Return(&greenapi.SendResponse{IDMessage: "wa-f"}, nil)

	res, err := e.Execute(ctx, "loc-1", "79001234567", "contact-1",
		WorkflowData{InstanceID: 1101, Message: "Continue?", Button1Text: "Yes", Button2Text: "No"}.Payload())
	require.NoError(t, err)
	assert.Equal(t, "wa-r", res.MessageID)

	res, err = e.Execute(ctx, "loc-1", "79001234567", "contact-1",
		&WorkflowPayload{Kind: KindFile, InstanceID: 1101, Message: "Invoice", URL: "https://files.example/a.pdf", FileName: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "wa-f", res.MessageID)
	f.messenger.AssertExpectations(t)
}

func TestWorkflowRejectsForeignOrUnauthorizedInstance(t *testing.T) {
	e, f := newWorkflowFixture()
	ctx := context.Background()
	p := &WorkflowPayload{Kind: KindText, InstanceID: 1101, Message: "hi"}

	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	_, err := e.Execute(ctx, "loc-2", "79001234567", "", p)
	var notFound *errs.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	unauthorized := authorizedInstance()
	unauthorized.ID, unauthorized.State = 2202, models.StateBlocked
	f.store.On("GetInstance", mock.Anything, models.InstanceID(2202)).Return(unauthorized, nil)
	_, err = e.Execute(ctx, "loc-1", "79001234567", "", &WorkflowPayload{Kind: KindText, InstanceID: 2202, Message: "hi"})
	var routingErr *errs.RoutingError
	assert.ErrorAs(t, err, &routingErr)

	_, err = e.Execute(ctx, "loc-1", "", "", p)
	var validationErr *errs.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	f.messenger.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkflowSendFailureIsReturned(t *testing.T) {
	e, f := newWorkflowFixture()
	f.store.On("GetInstance", mock.Anything, models.InstanceID(1101)).Return(authorizedInstance(), nil)
	sendErr := errors.New("connection reset")
	f.messenger.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil, sendErr)

	_, err := e.Execute(context.Background(), "loc-1", "79001234567", "", &WorkflowPayload{Kind: KindText, InstanceID: 1101, Message: "hi"})
	assert.ErrorIs(t, err, sendErr)
	f.platform.AssertNotCalled(t, "PostOutboundMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestTranscript(t *testing.T) {
	assert.Equal(t, "hi", Transcript(&WorkflowPayload{Kind: KindText, Message: "hi"}))
	assert.Equal(t, "Invoice\n\nFile: a.pdf (https://x/a.pdf)",
		Transcript(&WorkflowPayload{Kind: KindFile, Message: "Invoice", FileName: "a.pdf", URL: "https://x/a.pdf"}))
	assert.Equal(t, "Head\n\nBody\n\nButtons:\n• Yes\n• No",
		Transcript(&WorkflowPayload{Kind: KindReplyButtons, Header: "Head", Body: "Body", Buttons: []WorkflowButton{{Text: "Yes"}, {Text: "No"}}}))
}
