package service

import (
	"github.com/wfunc/slot-iocard/internal/hardware"
)

// CommandSender 可以发送命令的设备，*hardware.Card 实现了该接口
type CommandSender interface {
	SendAt(req hardware.Request, pos hardware.QueuePosition) (bool, error)
}

// CommandRequest 外部入口（HTTP、MQTT）提交的命令
type CommandRequest struct {
	ID       string                 `json:"id,omitempty"`
	Command  string                 `json:"command" binding:"required"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Position string                 `json:"position,omitempty"` // front 或 back，为空使用命令默认位置
}

// CommandResult 命令执行结果
type CommandResult struct {
	ID       string `json:"id,omitempty"`
	Command  string `json:"command"`
	Position string `json:"position"`
	Sent     bool   `json:"sent"` // false 表示设备未连接
}

// ExecuteCommand 解析并发送命令
//
// 命令名或参数无效时返回错误；设备未连接时 Sent 为 false，不返回错误。
func ExecuteCommand(sender CommandSender, req *CommandRequest) (*CommandResult, error) {
	kind, err := hardware.ParseCommandKind(req.Command)
	if err != nil {
		return nil, err
	}
	request, err := hardware.BuildRequest(kind, req.Params)
	if err != nil {
		return nil, err
	}

	pos := hardware.DefaultPosition(kind)
	if req.Position != "" {
		if pos, err = hardware.ParseQueuePosition(req.Position); err != nil {
			return nil, err
		}
	}

	sent, err := sender.SendAt(request, pos)
	if err != nil {
		return nil, err
	}
	return &CommandResult{
		ID:       req.ID,
		Command:  kind.String(),
		Position: pos.String(),
		Sent:     sent,
	}, nil
}
