package types

// Inbound commands.
const (
	CmdLogin      = "LOGIN"
	CmdLogout     = "LOGOUT"
	CmdExit       = "EXIT"
	CmdShutdown   = "SHUTDOWN"
	CmdReset      = "RESET"
	CmdGetSysInfo = "GET_SYS_INFO"
	CmdGetConfigs = "GET_CONFIGS"
	CmdGetConfig  = "GET_CONFIG"
	CmdSetInfer   = "SET_INFER"
	CmdSetStream  = "SET_STREAM"
	CmdSetQuality = "SET_QUALITY"
	CmdSetConfig  = "SET_CONFIG"
	CmdMove       = "MOV"
)

// Outbound replies.
const (
	CmdSysInfo     = "SYS_INFO"
	CmdConfigs     = "CONFIGS"
	CmdConfig      = "CONFIG"
	CmdFrame       = "FRAME"
	CmdSysLogout   = "SYS_LOGOUT"
	CmdSysExit     = "SYS_EXIT"
	CmdSysShutdown = "SYS_SHUTDOWN"
)

// IsControlKeyword reports whether cmd ends the connection at the connection layer.
func IsControlKeyword(cmd string) bool {
	switch cmd {
	case CmdLogout, CmdExit, CmdShutdown:
		return true
	}
	return false
}

// ControlAck returns the acknowledgement sent back for a control keyword.
// The second result is false when cmd is not a control keyword.
func ControlAck(cmd string) (Message, bool) {
	switch cmd {
	case CmdLogout:
		return NewMessage(CmdSysLogout), true
	case CmdExit:
		return NewMessage(CmdSysExit), true
	case CmdShutdown:
		return NewMessage(CmdSysShutdown), true
	}
	return nil, false
}

// SysInfo builds a SYS_INFO reply.
func SysInfo(isInfer, isStream bool, width, height int) Message {
	return Message{
		CommandKey:      CmdSysInfo,
		"IS_INFER":      isInfer,
		"IS_STREAM":     isStream,
		"CAMERA_WIDTH":  width,
		"CAMERA_HEIGHT": height,
	}
}

// ConfigsReply builds a CONFIGS reply listing every loadable detector config.
func ConfigsReply(configs map[string]DetectorConfig) Message {
	entries := make(map[string]any, len(configs))
	for name, cfg := range configs {
		entries[name] = map[string]any{
			"SIZE":       cfg.Size,
			"MODEL_TYPE": cfg.ModelType,
			"TINY":       cfg.Tiny,
			"CLASSES":    classesOrEmpty(cfg.Classes),
		}
	}
	return Message{
		CommandKey: CmdConfigs,
		"CONFIGS":  entries,
	}
}

// ConfigReply builds a CONFIG reply for the active detector config.
// A nil config yields null name and model type, zero size, false tiny and no classes.
func ConfigReply(cfg *DetectorConfig) Message {
	if cfg == nil {
		return Message{
			CommandKey:    CmdConfig,
			"CONFIG_NAME": nil,
			"SIZE":        0,
			"MODEL_TYPE":  nil,
			"TINY":        false,
			"CLASSES":     []string{},
		}
	}
	return Message{
		CommandKey:    CmdConfig,
		"CONFIG_NAME": cfg.Name,
		"SIZE":        cfg.Size,
		"MODEL_TYPE":  cfg.ModelType,
		"TINY":        cfg.Tiny,
		"CLASSES":     classesOrEmpty(cfg.Classes),
	}
}

// FrameReply builds a FRAME message from a pipeline frame.
func FrameReply(f Frame) Message {
	boxes := f.Boxes
	if boxes == nil {
		boxes = []Box{}
	}
	return Message{
		CommandKey: CmdFrame,
		"IMAGE":    f.Image,
		"BBOX":     boxes,
		"CLASS":    classesOrEmpty(f.ClassNames),
	}
}

func classesOrEmpty(classes []string) []string {
	if classes == nil {
		return []string{}
	}
	out := make([]string, len(classes))
	copy(out, classes)
	return out
}
