package domain

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Entitled reports whether the tier keeps conversation history.
func (t Tier) Entitled() bool {
	return t == TierPremium
}

// UserProfile is the subscriber state the core reads; it is owned by the user store.
type UserProfile struct {
	ID           string
	DisplayName  string
	Tier         Tier
	MessageCount int
}

// Identity is supplied by the auth collaborator. An empty UserID means an anonymous caller.
type Identity struct {
	UserID      string
	DisplayName string
}

func (i Identity) Anonymous() bool {
	return i.UserID == ""
}
