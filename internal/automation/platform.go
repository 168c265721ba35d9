package automation

import "context"

// Platform method names, shared by the gateway wire protocol, metrics labels and fault injection.
const (
	MethodCreateRoom    = "rooms.create"
	MethodPromoteMember = "rooms.promote"
	MethodInviteMembers = "rooms.invite"
	MethodDeleteRoom    = "rooms.delete"
)

// Privileges granted to a member inside a room.
type Privileges struct {
	ManageVideoChats bool `json:"manage_video_chats"`
	RestrictMembers  bool `json:"restrict_members"`
	DeleteMessages   bool `json:"delete_messages"`
	InviteUsers      bool `json:"invite_users"`
}

// CallPrivileges lets the bot identity run the call and moderate membership.
func CallPrivileges() Privileges {
	return Privileges{
		ManageVideoChats: true,
		RestrictMembers:  true,
		DeleteMessages:   true,
		InviteUsers:      true,
	}
}

// Platform is the set of room-mutating calls available to the privileged identity.
type Platform interface {
	CreateRoom(ctx context.Context, title, description string) (int64, error)
	PromoteMember(ctx context.Context, roomID, memberID int64, privileges Privileges) error
	InviteMembers(ctx context.Context, roomID int64, memberIDs []int64) error
	DeleteRoom(ctx context.Context, roomID int64) error
}
