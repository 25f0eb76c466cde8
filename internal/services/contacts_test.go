package services

import (
	"context"
	"testing"

	"ghlbridge/internal/adapters/ghl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGetContactKeepsExistingName(t *testing.T) {
	platform := &mockPlatform{}
	platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+15551234567",
		Source:     ghl.ContactSource,
	}).Return(&ghl.Contact{ID: "contact-1", Name: "Jane Doe"}, nil).Once()
	resolver := NewContactResolver(staticPlatforms{platform: platform})

	contact, err := resolver.GetContact(context.Background(), "loc-1", "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", contact.Name)

	platform.AssertNumberOfCalls(t, "UpsertContact", 1)
	sent := platform.Calls[0].Arguments.Get(1).(ghl.ContactUpsert)
	assert.Empty(t, sent.Name)
	assert.Empty(t, sent.Tags)
}

func TestNewContactGetsDefaultName(t *testing.T) {
	platform := &mockPlatform{}
	platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+15551234567",
		Source:     ghl.ContactSource,
		Tags:       []string{"whatsapp-instance-1101"},
	}).Return(&ghl.Contact{ID: "contact-1", Created: true}, nil).Once()
	platform.On("UpsertContact", mock.Anything, ghl.ContactUpsert{
		LocationID: "loc-1",
		Phone:      "+15551234567",
		Name:       "WhatsApp +15551234567",
		Source:     ghl.ContactSource,
	}).Return(&ghl.Contact{ID: "contact-1", Name: "WhatsApp +15551234567"}, nil).Once()
	resolver := NewContactResolver(staticPlatforms{platform: platform})

	contact, err := resolver.FindOrCreateContact(context.Background(), "loc-1", "15551234567@c.us", "", 1101, false)
	require.NoError(t, err)
	assert.Equal(t, "contact-1", contact.ID)
	assert.Equal(t, "WhatsApp +15551234567", contact.Name)
	platform.AssertExpectations(t)
}

func TestNamedContactIsNotRenamedTwice(t *testing.T) {
	platform := &mockPlatform{}
	platform.On("UpsertContact", mock.Anything, mock.Anything).Return(&ghl.Contact{ID: "contact-1", Created: true}, nil)
	resolver := NewContactResolver(staticPlatforms{platform: platform})

	_, err := resolver.FindOrCreateContact(context.Background(), "loc-1", "15551234567@c.us", "Bob", 1101, false)
	require.NoError(t, err)
	platform.AssertNumberOfCalls(t, "UpsertContact", 1)
}
