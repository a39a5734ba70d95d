package onebot

import (
	"context"
	"encoding/json"
	"fmt"
)

// LoginInfo identifies the bot account behind the endpoint.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// StrangerInfo is the profile of an arbitrary user.
type StrangerInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Sex      string `json:"sex"`
	Age      int64  `json:"age"`
}

// GroupInfo is the profile of a group conversation.
type GroupInfo struct {
	GroupID        int64  `json:"group_id"`
	GroupName      string `json:"group_name"`
	MemberCount    int64  `json:"member_count"`
	MaxMemberCount int64  `json:"max_member_count"`
}

type messageIDData struct {
	MessageID int64 `json:"message_id"`
}

type fileURLData struct {
	URL string `json:"url"`
}

func (c *Client) callInto(ctx context.Context, action string, params Params, out any) error {
	data, err := c.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("action %s: decoding data: %w", action, err)
	}
	return nil
}

// SendPrivateMsg sends a message to a direct conversation. The message
// may be a plain string or a segment sequence.
func (c *Client) SendPrivateMsg(ctx context.Context, userID int64, message any) (int64, error) {
	var data messageIDData
	err := c.callInto(ctx, "send_private_msg", Params{"user_id": userID, "message": message}, &data)
	return data.MessageID, err
}

// SendGroupMsg sends a message to a group conversation.
func (c *Client) SendGroupMsg(ctx context.Context, groupID int64, message any) (int64, error) {
	var data messageIDData
	err := c.callInto(ctx, "send_group_msg", Params{"group_id": groupID, "message": message}, &data)
	return data.MessageID, err
}

// SendMsg sends a message using the generic endpoint; messageType is
// "private" or "group" and targetID is the matching conversation id.
func (c *Client) SendMsg(ctx context.Context, messageType string, targetID int64, message any) (int64, error) {
	params := Params{"message_type": messageType, "message": message}
	if messageType == "group" {
		params["group_id"] = targetID
	} else {
		params["user_id"] = targetID
	}
	var data messageIDData
	err := c.callInto(ctx, "send_msg", params, &data)
	return data.MessageID, err
}

// DeleteMsg recalls a previously sent message.
func (c *Client) DeleteMsg(ctx context.Context, messageID int64) error {
	return c.callInto(ctx, "delete_msg", Params{"message_id": messageID}, nil)
}

// GetStrangerInfo fetches a user profile.
func (c *Client) GetStrangerInfo(ctx context.Context, userID int64) (*StrangerInfo, error) {
	var info StrangerInfo
	if err := c.callInto(ctx, "get_stranger_info", Params{"user_id": userID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetGroupInfo fetches a group profile.
func (c *Client) GetGroupInfo(ctx context.Context, groupID int64) (*GroupInfo, error) {
	var info GroupInfo
	if err := c.callInto(ctx, "get_group_info", Params{"group_id": groupID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetLoginInfo fetches the bot's own identity; used as the login
// verification call at session start.
func (c *Client) GetLoginInfo(ctx context.Context) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.callInto(ctx, "get_login_info", Params{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetGroupFileURL resolves a download link for a group file.
func (c *Client) GetGroupFileURL(ctx context.Context, groupID int64, fileID string, busID int64) (string, error) {
	var data fileURLData
	params := Params{"group_id": groupID, "file_id": fileID, "busid": busID}
	if err := c.callInto(ctx, "get_group_file_url", params, &data); err != nil {
		return "", err
	}
	return data.URL, nil
}

// GetPrivateFileURL resolves a download link for a private file.
func (c *Client) GetPrivateFileURL(ctx context.Context, userID int64, fileID string, fileHash string) (string, error) {
	var data fileURLData
	params := Params{"user_id": userID, "file_id": fileID}
	if fileHash != "" {
		params["file_hash"] = fileHash
	}
	var err error
	if err = c.callInto(ctx, "get_private_file_url", params, &data); err != nil {
		return "", err
	}
	return data.URL, nil
}
