package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/beka-birhanu/vinom-lobby-bridge/matchmaking"
	"github.com/beka-birhanu/vinom-lobby-bridge/service/i"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// User ids travel as decimal strings; struct numbers are float64 and would
// lose precision above 2^53.
func formatUser(id i.UserID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseUser(s string) (i.UserID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing user id %q: %w", s, err)
	}
	return i.UserID(n), nil
}

func memberFields(m i.Member) map[string]any {
	return map[string]any{
		"id":   formatUser(m.ID),
		"name": m.Name,
		"addr": m.Addr,
	}
}

func memberFrom(f map[string]*structpb.Value) (i.Member, error) {
	id, err := parseUser(f["id"].GetStringValue())
	if err != nil {
		return i.Member{}, err
	}
	return i.Member{
		ID:   id,
		Name: f["name"].GetStringValue(),
		Addr: f["addr"].GetStringValue(),
	}, nil
}

func lobbyFields(l i.Lobby) map[string]any {
	members := make([]any, 0, len(l.Members))
	for _, m := range l.Members {
		members = append(members, memberFields(m))
	}
	data := make(map[string]any, len(l.MemberData))
	for user, kv := range l.MemberData {
		entry := make(map[string]any, len(kv))
		for k, v := range kv {
			entry[k] = v
		}
		data[formatUser(user)] = entry
	}

	return map[string]any{
		"id":          l.ID.String(),
		"owner":       memberFields(l.Owner),
		"max_members": l.MaxMembers,
		"members":     members,
		"public":      l.Public,
		"joinable":    l.Joinable,
		"game_server": l.GameServer,
		"member_data": data,
	}
}

func lobbyFrom(f map[string]*structpb.Value) (i.Lobby, error) {
	id, err := uuid.Parse(f["id"].GetStringValue())
	if err != nil {
		return i.Lobby{}, fmt.Errorf("parsing lobby id: %w", err)
	}
	owner, err := memberFrom(f["owner"].GetStructValue().GetFields())
	if err != nil {
		return i.Lobby{}, fmt.Errorf("parsing lobby owner: %w", err)
	}

	l := i.Lobby{
		ID:         id,
		Owner:      owner,
		MaxMembers: int(f["max_members"].GetNumberValue()),
		Public:     f["public"].GetBoolValue(),
		Joinable:   f["joinable"].GetBoolValue(),
		GameServer: f["game_server"].GetStringValue(),
		MemberData: make(map[i.UserID]map[string]string),
	}
	for _, v := range f["members"].GetListValue().GetValues() {
		m, err := memberFrom(v.GetStructValue().GetFields())
		if err != nil {
			return i.Lobby{}, fmt.Errorf("parsing lobby member: %w", err)
		}
		l.Members = append(l.Members, m)
	}
	for user, v := range f["member_data"].GetStructValue().GetFields() {
		uid, err := parseUser(user)
		if err != nil {
			return i.Lobby{}, err
		}
		kv := make(map[string]string)
		for k, x := range v.GetStructValue().GetFields() {
			kv[k] = x.GetStringValue()
		}
		l.MemberData[uid] = kv
	}
	return l, nil
}

// lobbyError maps a matchmaking failure to a status. Errors that already
// carry a status keep it.
func lobbyError(err error) error {
	switch {
	case errors.Is(err, matchmaking.ErrLobbyNotFound), errors.Is(err, matchmaking.ErrUnknownUser):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, matchmaking.ErrNotMember), errors.Is(err, matchmaking.ErrNotInvited):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, matchmaking.ErrInvalidSize):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, matchmaking.ErrLobbyLimit):
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}
