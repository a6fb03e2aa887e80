package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"stagesave-server/service"
	"stagesave-server/service/stors/filestor"
)

// decodeSaveRequest returns the content field of a {"content": "..."} body.
// Empty, null or otherwise falsy content is reported as missing.
func decodeSaveRequest(body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", parseError(errNotUTF8)
	}
	if hasLoneSurrogate(body) {
		return "", parseError(errLoneSurrogate)
	}
	var payload any
	if err := sonic.ConfigStd.Unmarshal(body, &payload); err != nil {
		return "", parseError(err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", parseError(errNotObject)
	}
	switch v := obj["content"].(type) {
	case nil:
		return "", errMissingContent
	case string:
		if v == "" {
			return "", errMissingContent
		}
		return v, nil
	case bool:
		if !v {
			return "", errMissingContent
		}
	case float64:
		if v == 0 {
			return "", errMissingContent
		}
	case []any:
		if len(v) == 0 {
			return "", errMissingContent
		}
	case map[string]any:
		if len(v) == 0 {
			return "", errMissingContent
		}
	}
	return "", parseError(errContentNotText)
}

// hasLoneSurrogate reports a \uD800-\uDFFF escape that is not part of a
// high+low pair. Such a string cannot be written out as UTF-8.
func hasLoneSurrogate(body []byte) bool {
	for i := 0; i < len(body); i++ {
		if body[i] != '\\' {
			continue
		}
		r, ok := unicodeEscape(body, i)
		if !ok {
			i++ // skip the escaped byte, e.g. the second \ of \\
			continue
		}
		switch {
		case utf16.IsSurrogate(r) && r < 0xDC00:
			low, ok := unicodeEscape(body, i+6)
			if !ok || low < 0xDC00 || low > 0xDFFF {
				return true
			}
			i += 11
		case utf16.IsSurrogate(r):
			return true
		default:
			i += 5
		}
	}
	return false
}

// unicodeEscape decodes a \uXXXX escape starting at body[i].
func unicodeEscape(body []byte, i int) (rune, bool) {
	if i+6 > len(body) || body[i] != '\\' || body[i+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(string(body[i+2:i+6]), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

func (s *apiServer) handleSaveStage(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	saveID := service.NewSaveID()

	// fasthttp reuses the body buffer once the handler returns
	content, err := decodeSaveRequest(utils.CopyBytes(c.Body()))
	if err == nil {
		err = s.saveAndPublish(c.Context(), saveID, content)
	}
	if err != nil {
		se := asSaveError(err)
		if se.Kind == ErrKindMissingContent {
			slog.Warn("Rejected save without content", "saveid", saveID, "ip", c.IP())
		} else {
			slog.Error("Failed to save stage", "saveid", saveID, "kind", se.Kind.String(), "path", s.store.Path(), "err", se.Err)
			s.events.PublishFailed(saveID, s.store.Path(), se)
		}
		return c.Status(se.Kind.Status()).JSON(fiber.Map{"error": se.Message()})
	}

	slog.Info("Saved stage", "saveid", saveID, "path", s.store.Path(), "content_length", len(content))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "success"})
}

// handlePreflight answers CORS preflight on any path with an empty body.
func handlePreflight(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set(fiber.HeaderAccessControlAllowMethods, "POST, OPTIONS")
	c.Set(fiber.HeaderAccessControlAllowHeaders, "Content-Type")
	c.Status(fiber.StatusOK)
	return nil
}

func handleNotifyUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		slog.Debug("Notify connection request", "ip", c.IP())
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// saveAndPublish writes content and announces it. It shares saveMu with
// addNotifyClient so a joining client never sees a save twice or out of order.
func (s *apiServer) saveAndPublish(ctx context.Context, saveID, content string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.store.Save(ctx, []byte(content)); err != nil {
		return ioError(err)
	}
	s.events.PublishSaved(saveID, s.store.Path(), content)
	return nil
}

// addNotifyClient registers conn and queues the current content as its first
// message. Nothing is queued when the target file does not exist yet.
func (s *apiServer) addNotifyClient(conn wsConn) *NotifyClient {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	content, err := s.store.Load(context.Background())
	client := s.hub.AddClientConn(conn)
	switch {
	case err == nil:
		msg, err := encodeNotify(notifyTypeSnapshot, "", string(content))
		if err != nil {
			slog.Error("Failed to encode snapshot", "err", err)
			break
		}
		client.Send(msg)
	case errors.Is(err, filestor.ErrNotFound):
	default:
		slog.Error("Failed to load stage snapshot", "path", s.store.Path(), "err", err)
	}
	return client
}

func (s *apiServer) handleNotifyConn(conn *websocket.Conn) {
	client := s.addNotifyClient(conn)
	// contrib/websocket releases conn once this returns
	defer func() {
		client.Close()
		client.Wait()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Notify connection closed")
				return
			}
			slog.Error("Failed to read notify message", "err", err)
			return
		}
	}
}
