// Package cache 负责图片缓存的磁盘部分：Store 把 URL 经 pathcodec 映射为
// <CacheRoot>/<相对路径> 文件并提供存在性检查、目录准备与删除；Index 维护
// URL → 过期时间的持久化映射（单个 JSON 文件，临时文件 + rename 写入），
// 并在启动时清理过期条目及其文件。下载队列与门面层依赖本包，不直接操作文件系统。
package cache
