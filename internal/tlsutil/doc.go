// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置：API 服务端 HTTPS 与 health 探测客户端
// 共用同一套加固参数（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
