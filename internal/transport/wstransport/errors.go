package wstransport

import (
	"fmt"
)

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在错误中标记发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecv      Stage = "recv"   // 读取底层 WebSocket 帧
	StageDecode    Stage = "decode" // 原始字节 -> 帧
	StageEncode    Stage = "encode" // 帧 -> 原始字节
	StageSend      Stage = "send"   // 写入底层连接
	StageCache     Stage = "cache"  // 凭据缓存读写
)

// StageError 携带出错阶段的错误。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
