// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 在此定义叶子错误。
// 新增错误前请先确认下方已有错误是否可以复用。
// 命名规则：Err + 相关前缀 + 错误名
var (
	// Service 相关
	ErrServiceInternal = newPoolError("service internal error", 5, false)
	ErrInstanceLocked  = newPoolError("another instance is running", 6, false)

	// Session 相关
	ErrSessionNotFound  = newPoolError("session not found", 100, false)
	ErrSessionNotOnline = newPoolError("session not online", 101, true)
	ErrSessionDisabled  = newPoolError("session disabled", 102, false)

	// Endpoint 相关
	ErrEndpointUnknown  = newPoolError("unknown endpoint", 200, false)
	ErrEndpointDisabled = newPoolError("endpoint disabled", 201, false)

	// Pool 相关
	ErrPoolKilled = newPoolError("pool killed", 300, false)

	// Transport 相关
	ErrTransportCreate = newPoolError("transport create failed", 400, true)
	ErrTransportClosed = newPoolError("transport closed", 401, true)

	// IO 相关
	ErrIoKeyNotFound = newPoolError("key not found", 1000, false)
	ErrIoFailed      = newPoolError("IO failed", 1001, true)

	// Parameter 相关
	ErrParameterInvalid = newPoolError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing = newPoolError("missing parameter", 1101, false, WithErrorType(InputError))

	// 不导出，仅用于将未知错误转换为 poolError。
	errUnexpected = newPoolError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*poolError)

func WithDetail(detail string) errorOption {
	return func(err *poolError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *poolError) {
		err.errType = etype
	}
}

type poolError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newPoolError(msg string, code int32, retriable bool, options ...errorOption) poolError {
	err := poolError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e poolError) code() int32 {
	return e.errCode
}

func (e poolError) Error() string {
	return e.msg
}

func (e poolError) Detail() string {
	return e.detail
}

func (e poolError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(poolError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多错误的 cause 定义为最后一个错误。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
